package constants

import "strings"

type Theme string

const (
	ThemeSinglesDay  Theme = "singles_day"
	ThemeBlackFriday Theme = "black_friday"
	ThemeCyberMonday Theme = "cyber_monday"
	ThemeSinterklaas Theme = "sinterklaas"
	ThemeChristmas   Theme = "christmas"
)

var allThemes = []Theme{
	ThemeSinglesDay,
	ThemeBlackFriday,
	ThemeCyberMonday,
	ThemeSinterklaas,
	ThemeChristmas,
}

// Labels shared by every theme run.
const (
	LabelThemaAd       = "THEMA_AD"
	LabelThemaOriginal = "THEMA_ORIGINAL"
)

func ThemesAsStringSlice() []string {
	result := make([]string, len(allThemes))
	for i, t := range allThemes {
		result[i] = string(t)
	}
	return result
}

// CanonicalizeTheme maps user input onto a known theme.
func CanonicalizeTheme(input string) (Theme, bool) {
	if input == "" {
		return ThemeSinglesDay, false
	}

	normalized := strings.ToLower(strings.TrimSpace(input))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)

	synonyms := map[string]Theme{
		"bf":       ThemeBlackFriday,
		"cm":       ThemeCyberMonday,
		"sint":     ThemeSinterklaas,
		"kerst":    ThemeChristmas,
		"kerstmis": ThemeChristmas,
		"xmas":     ThemeChristmas,
		"singles":  ThemeSinglesDay,
		"11_11":    ThemeSinglesDay,
	}
	if t, ok := synonyms[normalized]; ok {
		return t, true
	}
	for _, t := range allThemes {
		if normalized == string(t) {
			return t, true
		}
	}
	return ThemeSinglesDay, false
}

// Label is the label put on ads created for the theme, e.g. "SINGLES_DAY".
func (t Theme) Label() string {
	return strings.ToUpper(string(t))
}

// DoneLabel marks an ad group as already handled for the theme.
func (t Theme) DoneLabel() string {
	return "THEMA_" + strings.ToUpper(string(t)) + "_DONE"
}
