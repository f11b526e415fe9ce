// Package usage keeps a running per-model token ledger fed by completed
// inference requests.
package usage

import "context"

// Record is one completed request's token usage, produced after extraction.
type Record struct {
	Model           string
	PromptTokens    int64
	GeneratedTokens int64
}

// Usage is the accumulated total for one model.
type Usage struct {
	Model           string `json:"model"`
	Requests        int64  `json:"requests"`
	PromptTokens    int64  `json:"prompt_tokens"`
	GeneratedTokens int64  `json:"generated_tokens"`
}

// Store persists usage totals. Implementations must be safe for concurrent use.
type Store interface {
	AddUsage(ctx context.Context, rec Record) error
	GetUsage(ctx context.Context, model string) (Usage, error)
	ListUsage(ctx context.Context) ([]Usage, error)
}
