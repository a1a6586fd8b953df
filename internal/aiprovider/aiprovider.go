// Package aiprovider is the thin seam between the orchestrator core and
// whichever AI provider SDK actually talks to the network: streaming with
// function calling for the fast path, plain completion for the
// summariser, image generation, and the cached-content primitives.
// Implemented against github.com/sashabaranov/go-openai.
package aiprovider

import (
	"context"
	"time"
)

// Role values used in a conversation turn.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Message is one turn of prior conversation.
type Message struct {
	Role string
	Text string
}

// FunctionDeclaration describes one callable tool to the provider, built
// by folding over the tool registry's schemas.
type FunctionDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// FunctionCall is one invocation the model requested mid-stream.
type FunctionCall struct {
	Name string
	Args []byte // raw JSON object
}

// FunctionResponse is fed back to the model after a function call executes.
type FunctionResponse struct {
	Name     string
	Response map[string]any
}

// GenerateRequest is everything StreamGenerate needs for one turn.
type GenerateRequest struct {
	Model              string
	SystemInstruction  string
	History            []Message
	UserText           string
	Tools              []FunctionDeclaration
	FunctionCallTurn   []FunctionCall     // set only on the follow-up call after tool execution
	FunctionResultTurn []FunctionResponse // paired with FunctionCallTurn
}

// StreamChunk is delivered to the caller's progress callback as chunks
// arrive; any field may be zero.
type StreamChunk struct {
	TextDelta      string
	FunctionCalls  []FunctionCall
	PromptTokens   int
	ResponseTokens int
}

// GenerateResult is the fully accumulated outcome of one StreamGenerate call.
type GenerateResult struct {
	Text           string
	FunctionCalls  []FunctionCall
	PromptTokens   int
	ResponseTokens int
}

// CachedContent is a provider-side handle to pre-uploaded static content.
type CachedContent struct {
	Name      string
	Model     string
	ExpiresAt time.Time
}

// Service is the seam the fast path and memory summariser depend on.
// Non-streaming helpers (Summarize, GenerateImage) exist alongside the
// streaming primitive because not every caller needs token-by-token
// delivery — the memory summariser and generate_image tool just want text
// or bytes back.
type Service interface {
	// Available reports whether a provider credential is configured at
	// all; without one, every turn routes to the sandbox.
	Available() bool

	// StreamGenerate drives one streamed turn, calling onChunk as chunks
	// arrive, and returns the fully accumulated result.
	StreamGenerate(ctx context.Context, req GenerateRequest, onChunk func(StreamChunk)) (*GenerateResult, error)

	// Summarize performs a single non-streamed completion, used by the
	// memory summariser.
	Summarize(ctx context.Context, model, prompt string) (string, error)

	// GenerateImage produces image bytes from a prompt, used by the
	// generate_image tool.
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)

	// CreateCache obtains a provider-side cache for content, or
	// ErrCacheNotSupported / an error containing "too few tokens" when the
	// provider can't or won't cache it — both are treated identically by
	// internal/contextcache (demoted to a debug log, proceed uncached).
	CreateCache(ctx context.Context, model, content string, ttl time.Duration) (*CachedContent, error)

	// DeleteCache best-effort removes a previously created cache.
	DeleteCache(ctx context.Context, name string) error
}
