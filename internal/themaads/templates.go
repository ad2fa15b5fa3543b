package themaads

import (
	"strings"
	"unicode/utf8"

	"github.com/joseph-ayodele/workledger/constants"
)

// Responsive search ad limits.
const (
	MaxHeadlines      = 15
	MaxDescriptions   = 4
	HeadlineMaxLen    = 30
	DescriptionMaxLen = 90
	PathMaxLen        = 15
	BaseHeadlineCount = 3
)

// Template is the themed copy added on top of an existing ad.
type Template struct {
	Headlines    []string
	Descriptions []string
	Path1        string
}

var templates = map[constants.Theme]Template{
	constants.ThemeSinglesDay: {
		Headlines: []string{
			"Singles Day Deals", "Singles Day Aanbiedingen", "Alleen op 11.11",
			"Vier Singles Day", "Singles Day Korting",
		},
		Descriptions: []string{
			"Singles Day: ontdek de beste deals van 11.11. Alleen vandaag!",
			"Shop nu met Singles Day korting en vergelijk prijzen.",
		},
		Path1: "singles_day",
	},
	constants.ThemeBlackFriday: {
		Headlines: []string{
			"Black Friday Deals", "Black Friday Aanbiedingen", "Black Friday Korting",
			"Alleen deze Black Friday", "Scoor je Black Friday Deal",
		},
		Descriptions: []string{
			"Black Friday: de scherpste prijzen van het jaar. Vergelijk en bespaar.",
			"Mis de Black Friday korting niet. Op is op!",
		},
		Path1: "black_friday",
	},
	constants.ThemeCyberMonday: {
		Headlines: []string{
			"Cyber Monday Deals", "Cyber Monday Korting", "Alleen op Cyber Monday",
			"Cyber Monday Aanbiedingen",
		},
		Descriptions: []string{
			"Cyber Monday: online de beste deals. Vergelijk en bespaar vandaag.",
			"Laatste kans op Cyber Monday korting.",
		},
		Path1: "cyber_monday",
	},
	constants.ThemeSinterklaas: {
		Headlines: []string{
			"Sinterklaas Cadeaus", "Cadeautips voor Sint", "Sinterklaas Aanbiedingen",
			"Voor in de Schoen",
		},
		Descriptions: []string{
			"Vind het perfecte Sinterklaas cadeau. Vergelijk prijzen en bespaar.",
			"Cadeaus voor pakjesavond, snel in huis.",
		},
		Path1: "sinterklaas",
	},
	constants.ThemeChristmas: {
		Headlines: []string{
			"Kerst Aanbiedingen", "Kerstcadeaus", "Voordelig de Kerst In",
			"Kerst Deals",
		},
		Descriptions: []string{
			"Vind de mooiste kerstcadeaus. Vergelijk prijzen en bespaar.",
			"Alles voor de feestdagen, snel in huis.",
		},
		Path1: "kerst",
	},
}

// TemplateFor returns the copy for theme, falling back to singles day.
func TemplateFor(theme constants.Theme) Template {
	if t, ok := templates[theme]; ok {
		return t
	}
	return templates[constants.ThemeSinglesDay]
}

// BuildAd makes the themed copy of base: its first three headlines followed
// by the theme headlines, the theme descriptions followed by base's first
// description, path1 set to the theme and path2 kept from base.
func BuildAd(theme constants.Theme, base ExistingAd) NewAd {
	tpl := TemplateFor(theme)

	headlines := make([]string, 0, MaxHeadlines)
	seen := map[string]bool{}
	add := func(h string) {
		h = clip(h, HeadlineMaxLen)
		key := strings.ToLower(h)
		if h == "" || seen[key] || len(headlines) == MaxHeadlines {
			return
		}
		seen[key] = true
		headlines = append(headlines, h)
	}
	for i, h := range base.Headlines {
		if i == BaseHeadlineCount {
			break
		}
		add(h)
	}
	for _, h := range tpl.Headlines {
		add(h)
	}

	descriptions := make([]string, 0, MaxDescriptions)
	for _, d := range tpl.Descriptions {
		if d = clip(d, DescriptionMaxLen); d != "" && len(descriptions) < MaxDescriptions-1 {
			descriptions = append(descriptions, d)
		}
	}
	if len(base.Descriptions) > 0 {
		if d := clip(base.Descriptions[0], DescriptionMaxLen); d != "" {
			descriptions = append(descriptions, d)
		}
	}

	path2 := base.Path2
	if path2 == "" {
		path2 = base.Path1
	}
	var finalURL string
	if len(base.FinalURLs) > 0 {
		finalURL = base.FinalURLs[0]
	}
	return NewAd{
		AdGroup:      base.AdGroup,
		FinalURL:     finalURL,
		Headlines:    headlines,
		Descriptions: descriptions,
		Path1:        clip(tpl.Path1, PathMaxLen),
		Path2:        clip(path2, PathMaxLen),
	}
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}
