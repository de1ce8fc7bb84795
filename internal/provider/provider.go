package provider

import (
	"context"
	"fmt"
	"time"
)

// ID identifies a provider. The set is closed: every ID entering the system
// from configuration or storage goes through ParseID.
type ID string

const (
	OpenAI ID = "openai"
	Claude ID = "claude"
	Gemini ID = "gemini"
)

// Known lists every provider the gateway has a driver for.
var Known = []ID{OpenAI, Claude, Gemini}

func ParseID(s string) (ID, error) {
	for _, id := range Known {
		if string(id) == s {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

type Request struct {
	Model       string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	// Timeout bounds a single attempt. Zero leaves the caller's deadline in charge.
	Timeout time.Duration
	// Metadata for routing decisions
	TenantID  string
	RequestID string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     ID
	LatencyMs    int64
}

// TokensUsed is the figure charged against the tenant's quota.
func (r *Response) TokensUsed() int64 {
	return int64(r.InputTokens + r.OutputTokens)
}

// Provider is implemented once per backend. Complete must return a *Error
// for every failure so callers never see backend-specific error shapes.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() ID
	SupportedModels() []string
}

// Driver is what the router holds: a provider plus its health signal.
type Driver interface {
	Provider
	IsOpen() bool
}

// WithTimeout derives the per-attempt context for req.
func WithTimeout(ctx context.Context, req *Request) (context.Context, context.CancelFunc) {
	if req.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, req.Timeout)
}
