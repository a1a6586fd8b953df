package aiprovider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// ErrCacheNotSupported is returned by OpenAIService.CreateCache: the chat
// completions API has no cached-content primitive. internal/contextcache
// treats it as "proceed without caching".
var ErrCacheNotSupported = errors.New("aiprovider: cached content not supported by this provider")

// OpenAIService implements Service against an OpenAI-compatible chat
// completions API: a single *openai.Client wrapping model/key/base-url,
// with streaming accumulated by hand since the SDK only exposes a
// chunk-at-a-time Recv loop.
type OpenAIService struct {
	client       *openai.Client
	defaultModel string
	apiKey       string
}

// NewOpenAIService builds a Service. apiKey empty means Available() is
// false — callers use that to route every turn to the sandbox path
// instead.
func NewOpenAIService(apiKey, baseURL, defaultModel string) *OpenAIService {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIService{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
		apiKey:       apiKey,
	}
}

// Available reports whether an API key was configured.
func (s *OpenAIService) Available() bool {
	return s.apiKey != ""
}

func (s *OpenAIService) model(requested string) string {
	if requested != "" {
		return requested
	}
	return s.defaultModel
}

func roleFor(r string) string {
	if r == RoleModel {
		return openai.ChatMessageRoleAssistant
	}
	return openai.ChatMessageRoleUser
}

func toOpenAITools(decls []FunctionDeclaration) []openai.Tool {
	if len(decls) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(decls))
	for _, d := range decls {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

func buildMessages(req GenerateRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+3)
	if req.SystemInstruction != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemInstruction,
		})
	}
	for _, m := range req.History {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: roleFor(m.Role), Content: m.Text})
	}
	if req.UserText != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserText})
	}

	// The follow-up call after tool execution: a model turn carrying the
	// original function-call parts, then a tool turn carrying their
	// responses, appended after everything above.
	if len(req.FunctionCallTurn) > 0 {
		toolCalls := make([]openai.ToolCall, 0, len(req.FunctionCallTurn))
		for i, fc := range req.FunctionCallTurn {
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   callID(i),
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      fc.Name,
					Arguments: string(fc.Args),
				},
			})
		}
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			ToolCalls: toolCalls,
		})
		for i, fr := range req.FunctionResultTurn {
			body, _ := json.Marshal(fr.Response)
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: callID(i),
				Content:    string(body),
			})
		}
	}
	return msgs
}

func callID(i int) string {
	return fmt.Sprintf("call_%d", i)
}

// partialToolCall accumulates one streamed tool-call's name/arguments
// across multiple chunk deltas, keyed by the provider's per-call index.
type partialToolCall struct {
	name string
	args []byte
}

// StreamGenerate drives one streamed completion: text deltas append to a
// running buffer, tool-call deltas accumulate by index until the stream
// closes, and usage deltas update running token counts.
func (s *OpenAIService) StreamGenerate(ctx context.Context, req GenerateRequest, onChunk func(StreamChunk)) (*GenerateResult, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    s.model(req.Model),
		Messages: buildMessages(req),
		Tools:    toOpenAITools(req.Tools),
		Stream:   true,
	}
	// Usage is only populated in the final chunk when explicitly requested.
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := s.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, errors.Wrap(err, "create chat completion stream")
	}
	defer stream.Close()

	var text []string
	calls := make(map[int]*partialToolCall)
	result := &GenerateResult{}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "receive stream chunk")
		}

		if resp.Usage != nil {
			result.PromptTokens = resp.Usage.PromptTokens
			result.ResponseTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		chunk := StreamChunk{PromptTokens: result.PromptTokens, ResponseTokens: result.ResponseTokens}
		if delta.Content != "" {
			text = append(text, delta.Content)
			chunk.TextDelta = delta.Content
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			p, ok := calls[idx]
			if !ok {
				p = &partialToolCall{}
				calls[idx] = p
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				p.args = append(p.args, []byte(tc.Function.Arguments)...)
			}
		}
		if onChunk != nil && (chunk.TextDelta != "" || chunk.PromptTokens != 0 || chunk.ResponseTokens != 0) {
			onChunk(chunk)
		}
	}

	result.Text = joinStrings(text)

	if len(calls) > 0 {
		for i := 0; i < len(calls); i++ {
			p, ok := calls[i]
			if !ok {
				continue
			}
			result.FunctionCalls = append(result.FunctionCalls, FunctionCall{Name: p.name, Args: p.args})
		}
		if onChunk != nil {
			onChunk(StreamChunk{FunctionCalls: result.FunctionCalls})
		}
	}

	return result, nil
}

func joinStrings(parts []string) string {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return string(out)
}

// Summarize performs one non-streamed completion for the memory summariser.
func (s *OpenAIService) Summarize(ctx context.Context, model, prompt string) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model(model),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "summarize completion")
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateImage produces image bytes for the generate_image tool.
func (s *OpenAIService) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	resp, err := s.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, errors.Wrap(err, "generate image")
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, errors.New("generate image: empty response")
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, errors.Wrap(err, "decode generated image")
	}
	return raw, nil
}

// CreateCache always fails with ErrCacheNotSupported: the chat completions
// API has no server-side cached-content endpoint. internal/contextcache
// demotes this to a debug log and proceeds without caching.
func (s *OpenAIService) CreateCache(ctx context.Context, model, content string, ttl time.Duration) (*CachedContent, error) {
	return nil, ErrCacheNotSupported
}

// DeleteCache is a no-op companion to CreateCache.
func (s *OpenAIService) DeleteCache(ctx context.Context, name string) error {
	return nil
}
