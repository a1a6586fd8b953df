// Package fastpath implements the direct, streamed AI-provider call:
// compose system instruction, inject optional knowledge and a context
// cache, stream the model's reply with function-calling, execute any
// requested tools, issue a follow-up stream, and return the accumulated
// text under an overall timeout.
package fastpath

import (
	"context"
	"encoding/json"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nanoclaw/nanoclaw/internal/aiprovider"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/contextcache"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/tools"
)

// Turn statuses mirrored on Result.Status.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ProgressType distinguishes the kind of progress callback fired.
type ProgressType string

const (
	ProgressText     ProgressType = "text"
	ProgressToolUse  ProgressType = "tool_use"
	ProgressComplete ProgressType = "complete"
)

// ProgressEvent is delivered to the caller's progress callback as a turn
// executes; Snapshot holds the running accumulated text for ProgressText
// and ProgressComplete events.
type ProgressEvent struct {
	Type     ProgressType
	Snapshot string
	ToolName string
}

// Request is one user turn to run through the fast path.
type Request struct {
	GroupFolder    string
	ChatID         string
	IsMain         bool
	Model          string
	SystemPrompt   string // persona/custom system prompt, before follow-up suffix
	EnableFollowUp bool
	History        []aiprovider.Message // prior turns, role user/model
	UserText       string
	HasMedia       bool
	Progress       func(ProgressEvent)
}

// Result is the outcome of Run.
type Result struct {
	Status         string
	Text           *string
	PromptTokens   *int
	ResponseTokens *int
	Error          string
}

const followUpInstruction = "\n\nWhen helpful, end your reply with one brief, relevant follow-up question."

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// Runner bundles the collaborators one fast-path call needs.
type Runner struct {
	Store    *store.Store
	Provider aiprovider.Service
	Cache    *contextcache.Cache
	Tools    *tools.Registry
	Config   config.FastPathConfig
}

// Run executes one fast-path turn and returns once the model's reply (and
// any follow-up after tool execution) is fully accumulated, or the
// overall timeout elapses first — in which case no partial result is
// returned.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.Config.TimeoutMS)*time.Millisecond)
	defer cancel()

	systemInstruction := req.SystemPrompt
	if req.EnableFollowUp {
		systemInstruction += followUpInstruction
	}

	knowledge := r.searchKnowledge(ctx, req.GroupFolder, req.UserText)

	memory, err := r.Store.GetMemorySummary(ctx, req.GroupFolder)
	var memoryText string
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if memory != nil {
		memoryText = memory.Summary
	}

	static := systemInstruction
	if memoryText != "" {
		static += "\n\n" + memoryText
	}

	finalSystem := systemInstruction
	if handle, _ := r.Cache.GetOrCreate(ctx, req.GroupFolder, req.Model, static); handle == nil {
		// No cache obtained (too short, or provider declined): fold the
		// memory summary directly into the system instruction instead.
		finalSystem = static
	}

	userTurn := req.UserText
	if knowledge != "" {
		userTurn = "[Knowledge: " + knowledge + "]\n" + req.UserText
	}

	declarations := toolDeclarations(r.Tools, req.IsMain)

	accum := &accumulator{interval: time.Duration(r.Config.StreamingIntervalMS) * time.Millisecond}
	result, err := r.Provider.StreamGenerate(ctx, aiprovider.GenerateRequest{
		Model:             req.Model,
		SystemInstruction: finalSystem,
		History:           req.History,
		UserText:          userTurn,
		Tools:             declarations,
	}, accum.onChunk(req.Progress))
	if err != nil {
		return r.timeoutOrError(ctx, err)
	}

	finalText := result.Text
	promptTokens := result.PromptTokens
	responseTokens := result.ResponseTokens

	if len(result.FunctionCalls) > 0 {
		responses := r.executeFunctionCalls(ctx, req, result.FunctionCalls)

		followUp, err := r.Provider.StreamGenerate(ctx, aiprovider.GenerateRequest{
			Model:              req.Model,
			SystemInstruction:  finalSystem,
			History:            req.History,
			UserText:           userTurn,
			Tools:              declarations,
			FunctionCallTurn:   result.FunctionCalls,
			FunctionResultTurn: responses,
		}, accum.onChunk(req.Progress))
		if err != nil {
			return r.timeoutOrError(ctx, err)
		}
		finalText += followUp.Text
		promptTokens += followUp.PromptTokens
		responseTokens += followUp.ResponseTokens
	}

	if req.Progress != nil {
		req.Progress(ProgressEvent{Type: ProgressComplete, Snapshot: finalText})
	}

	res := &Result{Status: StatusSuccess, PromptTokens: &promptTokens, ResponseTokens: &responseTokens}
	if finalText != "" {
		res.Text = &finalText
	}
	return res, nil
}

func (r *Runner) timeoutOrError(ctx context.Context, err error) (*Result, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Result{Status: StatusError, Error: "fast path timed out"}, nil
	}
	return nil, err
}

// searchKnowledge runs the keyword search over knowledge docs using the
// first 200 HTML-tag-stripped characters of the prompt, swallowing any
// failure as empty knowledge — knowledge injection is best-effort.
func (r *Runner) searchKnowledge(ctx context.Context, group, userText string) string {
	clean := htmlTagPattern.ReplaceAllString(userText, "")
	if len(clean) > 200 {
		clean = clean[:200]
	}
	clean = html.UnescapeString(clean)

	docs, err := r.Store.SearchKnowledgeDocs(ctx, group, clean, 3)
	if err != nil || len(docs) == 0 {
		return ""
	}
	var parts []string
	for _, d := range docs {
		parts = append(parts, d.Title+": "+d.Content)
	}
	return strings.Join(parts, "\n")
}

func (r *Runner) executeFunctionCalls(ctx context.Context, req Request, calls []aiprovider.FunctionCall) []aiprovider.FunctionResponse {
	responses := make([]aiprovider.FunctionResponse, 0, len(calls))
	for _, call := range calls {
		if req.Progress != nil {
			req.Progress(ProgressEvent{Type: ProgressToolUse, ToolName: call.Name})
		}
		res := r.Tools.Invoke(ctx, tools.Call{
			Name:        call.Name,
			Arguments:   json.RawMessage(call.Args),
			GroupFolder: req.GroupFolder,
			ChatID:      req.ChatID,
			IsMain:      req.IsMain,
		})
		responses = append(responses, aiprovider.FunctionResponse{Name: res.Name, Response: res.Response})
	}
	return responses
}

func toolDeclarations(reg *tools.Registry, isMain bool) []aiprovider.FunctionDeclaration {
	schemas := reg.Catalogue(isMain)
	out := make([]aiprovider.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, aiprovider.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Parameters,
		})
	}
	return out
}

// accumulator threads the running text snapshot through to the caller's
// progress callback as StreamGenerate delivers chunks, throttling text
// progress to at most one event per interval so a chatty stream doesn't
// flood the transport with edits.
type accumulator struct {
	text     strings.Builder
	interval time.Duration
	lastFire time.Time
}

func (a *accumulator) onChunk(progress func(ProgressEvent)) func(aiprovider.StreamChunk) {
	return func(c aiprovider.StreamChunk) {
		if c.TextDelta == "" {
			return
		}
		a.text.WriteString(c.TextDelta)
		if progress == nil {
			return
		}
		now := time.Now()
		if a.interval > 0 && now.Sub(a.lastFire) < a.interval {
			return
		}
		a.lastFire = now
		progress(ProgressEvent{Type: ProgressText, Snapshot: a.text.String()})
	}
}
