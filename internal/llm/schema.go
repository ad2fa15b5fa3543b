package llm

// ChatResponseSchema describes the part of a chat/completions response the
// client relies on. Responses are validated against it before decoding so a
// provider-side shape change is reported as such.
func ChatResponseSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"choices"},
		"properties": map[string]any{
			"choices": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":     "object",
					"required": []string{"message"},
					"properties": map[string]any{
						"message": map[string]any{
							"type":     "object",
							"required": []string{"content"},
							"properties": map[string]any{
								"content": map[string]any{"type": "string"},
							},
						},
						"finish_reason": map[string]any{"type": []string{"string", "null"}},
					},
				},
			},
		},
	}
}
