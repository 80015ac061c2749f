package models

// NormalizedResponse is the backend-independent view of one agent response.
// Fields a backend cannot report are zero rather than omitted.
type NormalizedResponse struct {
	IsError           bool    `json:"is_error"`
	Result            string  `json:"result"`
	CostUSD           float64 `json:"cost_usd"`
	Subtype           string  `json:"subtype"` // Backend-specific, used for failure classification
	NumTurns          int     `json:"num_turns"`
	InputTokens       int64   `json:"input_tokens"`
	OutputTokens      int64   `json:"output_tokens"`
	CacheReadTokens   int64   `json:"cache_read_tokens"`
	CacheCreateTokens int64   `json:"cache_create_tokens"`
}

// TotalInput sums the reported input tokens with cache reads and writes,
// all of which count as real usage.
func (r NormalizedResponse) TotalInput() int64 {
	return r.InputTokens + r.CacheReadTokens + r.CacheCreateTokens
}
