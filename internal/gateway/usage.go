package gateway

import "encoding/json"

// usageFields is the token accounting extracted from either a completed
// streaming response object or a non-streaming completion body (spec
// §4.3's usage extraction).
type usageFields struct {
	InputTokens              int64
	OutputTokens             int64
	TotalTokens              int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

func extractUsage(body json.RawMessage) usageFields {
	var obj struct {
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			TotalTokens              int64 `json:"total_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(body, &obj) != nil {
		return usageFields{}
	}
	u := usageFields{
		InputTokens:              obj.Usage.InputTokens,
		OutputTokens:             obj.Usage.OutputTokens,
		TotalTokens:              obj.Usage.TotalTokens,
		CacheCreationInputTokens: obj.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     obj.Usage.CacheReadInputTokens,
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

// bodyModel reads a non-streaming completion body's top-level "model"
// field, defaulting to "unknown" per spec §4.3.
func bodyModel(body json.RawMessage) string {
	var obj struct {
		Model string `json:"model"`
	}
	if json.Unmarshal(body, &obj) == nil && obj.Model != "" {
		return obj.Model
	}
	return "unknown"
}
