// Package orchestrator wires message ingestion, consolidation, per-group
// locked dispatch, fast-path/sandbox execution, and reply delivery into
// one pipeline: ingest, consolidate, route, execute, persist, notify.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/aiprovider"
	"github.com/nanoclaw/nanoclaw/internal/chatapp"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/consolidator"
	"github.com/nanoclaw/nanoclaw/internal/dispatch"
	"github.com/nanoclaw/nanoclaw/internal/errtrack"
	"github.com/nanoclaw/nanoclaw/internal/fastpath"
	"github.com/nanoclaw/nanoclaw/internal/group"
	"github.com/nanoclaw/nanoclaw/internal/hoststate"
	"github.com/nanoclaw/nanoclaw/internal/memsum"
	"github.com/nanoclaw/nanoclaw/internal/metrics"
	"github.com/nanoclaw/nanoclaw/internal/mountallowlist"
	"github.com/nanoclaw/nanoclaw/internal/ratelimit"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// ChatClient is the outbound half of a chat transport; satisfied by
// *chatapp.TelegramAdapter.
type ChatClient interface {
	SendText(ctx context.Context, chatID, text string) error
}

// TypingIndicator keeps a live typing indicator visible while an execution
// is in flight; satisfied by *chatapp.TypingManager. Optional.
type TypingIndicator interface {
	Begin(chatID string)
	End(chatID string)
}

// botReplyPrefixFmt marks an assistant-authored row in the messages table so
// MessagesSince can exclude it from being re-ingested as a fresh trigger
// on chat platforms where the bot's own sends echo back as updates.
const botReplyPrefixFmt = "%s: "

// Orchestrator owns every collaborator one message turn touches.
type Orchestrator struct {
	Store        *store.Store
	Groups       *group.Registry
	Locks        *dispatch.LockManager
	Chat         ChatClient
	Typing       TypingIndicator
	Consolidator *consolidator.Consolidator
	RateLimit    *ratelimit.Limiter
	Errors       *errtrack.Tracker
	FastPath     *fastpath.Runner
	Sandbox      *sandbox.Runner
	Memory       *memsum.Summariser
	Provider     aiprovider.Service
	Mounts       *mountallowlist.Validator
	Sessions     *hoststate.Sessions
	Router       *hoststate.RouterState
	Config       *config.Config
	NowMillis    func() int64

	triggerPattern *regexp.Regexp
}

// New builds an Orchestrator and wires its own consolidator flush callback.
// Every field of deps is used as-is; New only adds the trigger regex and
// the consolidator bound to o.onFlush.
func New(deps Orchestrator) *Orchestrator {
	o := deps
	o.triggerPattern = regexp.MustCompile(o.Config.AssistantNamePattern())
	o.Consolidator = consolidator.New(o.onFlush)
	return &o
}

func (o *Orchestrator) now() int64 {
	if o.NowMillis != nil {
		return o.NowMillis()
	}
	return time.Now().UnixMilli()
}

// HandleIncoming persists one inbound chat message and, if the owning
// group accepts it, feeds it into the consolidator. A message the
// consolidator refuses to buffer (media, or the chat is mid-stream) is
// dispatched directly instead, bypassing the debounce window.
func (o *Orchestrator) HandleIncoming(ctx context.Context, msg chatapp.IncomingMessage) {
	ts := msg.Timestamp
	if ts == 0 {
		ts = o.now()
	}

	if err := o.Store.UpsertChat(ctx, msg.ChatID, msg.SenderName, ts); err != nil {
		slog.Error("orchestrator: upsert chat failed", "chat_id", msg.ChatID, "error", err)
		return
	}

	g := o.Groups.Get(msg.ChatID)
	if g == nil {
		slog.Debug("orchestrator: message from unregistered chat ignored", "chat_id", msg.ChatID)
		return
	}
	if !o.accepts(g, msg.Text) {
		return
	}

	messageID := msg.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("%s-%d", msg.SenderID, ts)
	}
	if err := o.Store.InsertMessage(ctx, store.Message{
		ChatID:     msg.ChatID,
		MessageID:  messageID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Text,
		Timestamp:  ts,
		FromSelf:   false,
	}); err != nil {
		slog.Error("orchestrator: insert message failed", "chat_id", msg.ChatID, "error", err)
		return
	}

	buffered := o.Consolidator.Add(msg.ChatID, msg.Text, consolidator.AddOptions{
		MessageID: messageID,
		IsMedia:   msg.HasMedia,
	})
	if !buffered {
		go o.dispatchConsolidated(msg.ChatID, msg.Text, msg.HasMedia, ts)
	}
}

// accepts decides whether a group receives a message: main always
// accepts; a non-main group accepts only text beginning with
// "@<assistant_name>" (case-insensitive, word-boundary), unless it has
// explicitly set require_trigger=false.
func (o *Orchestrator) accepts(g *group.Group, text string) bool {
	if g.IsMain || !g.TriggerRequired() {
		return true
	}
	return o.triggerPattern.MatchString(text)
}

// onFlush is the consolidator's callback: one consolidated turn per
// debounce cycle, dispatched under the owning group's lock.
func (o *Orchestrator) onFlush(c consolidator.Consolidated) {
	o.dispatchConsolidated(c.ChatID, c.CombinedText, false, o.now())
}

// dispatchConsolidated rate-limits one turn and runs it under the owning
// group's lock, whether it came out of a debounce cycle or bypassed the
// buffer.
func (o *Orchestrator) dispatchConsolidated(chatID, text string, hasMedia bool, newestTS int64) {
	ctx := context.Background()

	g := o.Groups.Get(chatID)
	if g == nil {
		slog.Warn("orchestrator: dispatch for chat with no registered group", "chat_id", chatID)
		return
	}

	if o.Config.RateLimit.Enabled {
		windowMS := int64(o.Config.RateLimit.WindowMinutes) * 60 * 1000
		result := o.RateLimit.Check(g.FolderName, o.Config.RateLimit.MaxRequests, windowMS)
		if !result.Allowed {
			slog.Warn("orchestrator: rate limit exceeded", "group", g.FolderName, "reset_in_ms", result.ResetInMS)
			return
		}
	}

	err := o.Locks.WithLock(ctx, g.FolderName, func(ctx context.Context) error {
		return o.dispatch(ctx, g, chatID, text, hasMedia)
	})
	if err != nil {
		slog.Error("orchestrator: dispatch failed", "group", g.FolderName, "chat_id", chatID, "error", err)
	}

	// Advance only after the turn completes: buildHistory relies on the
	// watermark still marking the previous turn, so the current batch is
	// carried solely in the user turn and never duplicated into history.
	if o.Router != nil {
		if err := o.Router.Advance(chatID, newestTS); err != nil {
			slog.Warn("orchestrator: persist router watermark failed", "chat_id", chatID, "error", err)
		}
	}
}

// dispatch runs one already-locked turn end to end: route, execute, reply,
// persist, and record outcome.
func (o *Orchestrator) dispatch(ctx context.Context, g *group.Group, chatID, text string, hasMedia bool) error {
	start := time.Now()

	if o.Typing != nil {
		o.Typing.Begin(chatID)
		defer o.Typing.End(chatID)
	}

	route := dispatch.Decide(dispatch.EligibilityInput{
		FastPathGloballyEnabled: o.Config.FastPath.Enabled,
		GroupFastPathDisabled:   !g.FastPathEnabled(),
		HasMedia:                hasMedia,
		ProviderAvailable:       o.Provider != nil && o.Provider.Available(),
		IsScheduledTask:         false,
	})

	var replyText string
	var execErr error
	var promptTokens, responseTokens *int

	switch route {
	case dispatch.RouteFastPath:
		replyText, promptTokens, responseTokens, execErr = o.runFastPath(ctx, g, chatID, text)
	default:
		replyText, execErr = o.runSandbox(ctx, g, chatID, text, false, store.ContextGroup)
	}

	durationMS := time.Since(start).Milliseconds()
	metrics.DispatchDuration.WithLabelValues(string(route)).Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues(string(route)).Inc()

	if err := o.Store.InsertUsage(ctx, store.UsageRecord{
		GroupFolder:    g.FolderName,
		Timestamp:      o.now(),
		PromptTokens:   promptTokens,
		ResponseTokens: responseTokens,
		DurationMS:     durationMS,
		Model:          modelFor(g, o.Config),
		IsScheduled:    false,
	}); err != nil {
		slog.Warn("orchestrator: insert usage failed", "group", g.FolderName, "error", err)
	}

	if execErr != nil {
		o.Errors.NotifyOnFailure(g.FolderName, execErr.Error())
		replyText = "Sorry, something went wrong handling that."
	} else {
		o.Errors.ResetErrors(g.FolderName)
	}

	if replyText != "" {
		if err := o.reply(ctx, g, chatID, replyText); err != nil {
			slog.Error("orchestrator: send reply failed", "chat_id", chatID, "error", err)
		}
	}

	if err := o.Memory.MaybeSummarize(ctx, chatID, g.FolderName); err != nil {
		slog.Error("orchestrator: memory summarisation failed", "group", g.FolderName, "error", err)
	}

	return execErr
}

// reply delivers text to the chat and records it as an assistant-authored
// message so it folds into future conversation history but is excluded
// from re-ingestion.
func (o *Orchestrator) reply(ctx context.Context, g *group.Group, chatID, text string) error {
	if err := o.Chat.SendText(ctx, chatID, text); err != nil {
		return err
	}
	prefixed := fmt.Sprintf(botReplyPrefixFmt, o.Config.AssistantName) + text
	now := o.now()
	return o.Store.InsertMessage(ctx, store.Message{
		ChatID:     chatID,
		MessageID:  "assistant-" + uuid.NewString(),
		SenderID:   "assistant",
		SenderName: o.Config.AssistantName,
		Content:    prefixed,
		Timestamp:  now,
		FromSelf:   true,
	})
}

func (o *Orchestrator) runFastPath(ctx context.Context, g *group.Group, chatID, text string) (string, *int, *int, error) {
	history := o.buildHistory(ctx, chatID, o.Config.FastPath.MaxHistoryMessages)

	o.Consolidator.SetStreaming(chatID, true)
	defer o.Consolidator.SetStreaming(chatID, false)

	res, err := o.FastPath.Run(ctx, fastpath.Request{
		GroupFolder:    g.FolderName,
		ChatID:         chatID,
		IsMain:         g.IsMain,
		Model:          modelFor(g, o.Config),
		SystemPrompt:   systemPrompt(g),
		EnableFollowUp: g.FollowUpEnabled(),
		History:        history,
		UserText:       text,
		HasMedia:       false,
	})
	if err != nil {
		return "", nil, nil, err
	}
	if res.Status == fastpath.StatusError {
		return "", res.PromptTokens, res.ResponseTokens, fmt.Errorf("fast path: %s", res.Error)
	}
	if res.Text == nil {
		return "", res.PromptTokens, res.ResponseTokens, nil
	}
	return *res.Text, res.PromptTokens, res.ResponseTokens, nil
}

// runSandbox builds the mount set and runs one container invocation. contextMode selects whether the group's stored session token
// is resumed: ordinary chat turns and "group"-context scheduled tasks
// resume it, "isolated" tasks start fresh.
func (o *Orchestrator) runSandbox(ctx context.Context, g *group.Group, chatID, text string, isScheduled bool, contextMode string) (string, error) {
	mounts := o.buildMounts(g)

	var sessionID string
	if contextMode == store.ContextGroup && o.Sessions != nil {
		sessionID = o.Sessions.Get(g.FolderName)
	}

	var memoryText string
	if mem, err := o.Store.GetMemorySummary(ctx, g.FolderName); err == nil && mem != nil {
		memoryText = mem.Summary
	}

	req := sandbox.Request{
		GroupFolder: g.FolderName,
		IsMain:      g.IsMain,
		Input: sandbox.Input{
			Prompt:          text,
			SessionID:       sessionID,
			GroupFolder:     g.FolderName,
			ChatJID:         chatID,
			IsMain:          g.IsMain,
			IsScheduledTask: isScheduled,
			SystemPrompt:    systemPrompt(g),
			EnableWebSearch: g.WebSearchEnabled(),
			MemoryContext:   memoryText,
		},
		Mounts:      mounts,
		ExtraMounts: o.validatedExtraMounts(g),
		EnvFileDir:  o.envFileDir(),
		APIKey:     o.Config.GeminiAPIKey,
		Model:      modelFor(g, o.Config),
		LogsDir:    o.logsDir(g.FolderName),
	}

	res, err := o.Sandbox.Run(ctx, req)
	if err != nil {
		metrics.SandboxRunsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	if res.NewSessionID != nil && o.Sessions != nil {
		if err := o.Sessions.Set(g.FolderName, *res.NewSessionID); err != nil {
			slog.Warn("orchestrator: persist session token failed", "group", g.FolderName, "error", err)
		}
	}
	if res.Status != "success" {
		metrics.SandboxRunsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("sandbox: %s", res.Error)
	}
	metrics.SandboxRunsTotal.WithLabelValues("success").Inc()
	if res.Result == nil {
		return "", nil
	}
	return *res.Result, nil
}

// RunScheduledTask satisfies internal/scheduler.Executor: scheduled tasks
// always route to the sandbox (they may reference filesystem artefacts)
// and resume the group's session only when the task's context mode asks
// for it.
func (o *Orchestrator) RunScheduledTask(ctx context.Context, task store.Task) (string, error) {
	g := o.Groups.Get(task.ChatID)
	if g == nil {
		for _, candidate := range o.Groups.List() {
			if candidate.FolderName == task.GroupFolder {
				cp := candidate
				g = &cp
				break
			}
		}
	}
	if g == nil {
		return "", fmt.Errorf("scheduled task %s: group %q not found", task.ID, task.GroupFolder)
	}

	start := time.Now()
	result, err := o.runSandbox(ctx, g, task.ChatID, task.Prompt, true, task.ContextMode)

	if usageErr := o.Store.InsertUsage(ctx, store.UsageRecord{
		GroupFolder: g.FolderName,
		Timestamp:   o.now(),
		DurationMS:  time.Since(start).Milliseconds(),
		Model:       modelFor(g, o.Config),
		IsScheduled: true,
	}); usageErr != nil {
		slog.Warn("orchestrator: insert scheduled usage failed", "group", g.FolderName, "error", usageErr)
	}

	return result, err
}

// buildHistory fetches the chat messages already handed to an executor
// (everything at or below the router watermark, plus the assistant's own
// replies), mapping FromSelf onto the model role. The current batch sits
// above the watermark and is carried in the user turn itself, not the history.
func (o *Orchestrator) buildHistory(ctx context.Context, chatID string, max int) []aiprovider.Message {
	msgs, err := o.Store.MessagesSince(ctx, chatID, 0, "")
	if err != nil {
		slog.Error("orchestrator: fetch history failed", "chat_id", chatID, "error", err)
		return nil
	}

	var watermark int64
	if o.Router != nil {
		watermark = o.Router.LastAgentTimestamp(chatID)
	}

	out := make([]aiprovider.Message, 0, len(msgs))
	for _, m := range msgs {
		if o.Router != nil && m.Timestamp > watermark && !m.FromSelf {
			continue
		}
		role := aiprovider.RoleUser
		if m.FromSelf {
			role = aiprovider.RoleModel
		}
		out = append(out, aiprovider.Message{Role: role, Text: m.Content})
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// buildMounts assembles the fixed per-group mount set;
// additional group-declared mounts are validated separately via the
// mount-allowlist validator and passed through Request.ExtraMounts by
// runSandbox (validatedExtraMounts), not here, since rejection of one extra
// mount must never block the fixed set this function produces.
func (o *Orchestrator) buildMounts(g *group.Group) []sandbox.Mount {
	var mounts []sandbox.Mount

	if g.IsMain {
		mounts = append(mounts, sandbox.Mount{ContainerPath: "/workspace/project", HostPath: o.Config.ProjectDir, ReadOnly: true})
	} else if o.Config.GlobalDir != "" {
		mounts = append(mounts, sandbox.Mount{ContainerPath: "/workspace/global", HostPath: o.Config.GlobalDir, ReadOnly: true})
	}

	groupDir := o.Config.GroupsDir + "/" + g.FolderName
	ipcDir := o.Config.DataDir + "/ipc/" + g.FolderName
	mounts = append(mounts,
		sandbox.Mount{ContainerPath: "/workspace/group", HostPath: groupDir, ReadOnly: false},
		sandbox.Mount{ContainerPath: "/workspace/credentials", HostPath: o.Config.CredentialsDir, ReadOnly: false},
		sandbox.Mount{ContainerPath: "/workspace/sessions", HostPath: groupDir + "/sessions", ReadOnly: false},
		sandbox.Mount{ContainerPath: "/workspace/ipc/messages", HostPath: ipcDir + "/messages", ReadOnly: false},
		sandbox.Mount{ContainerPath: "/workspace/ipc/tasks", HostPath: ipcDir + "/tasks", ReadOnly: false},
	)
	return mounts
}

// validatedExtraMounts runs the group's declared additional mounts through
// the allowlist validator; rejected mounts are omitted with a warning, and
// a missing validator means no extra mounts at all.
func (o *Orchestrator) validatedExtraMounts(g *group.Group) []mountallowlist.Mount {
	if o.Mounts == nil || len(g.AdditionalMounts) == 0 {
		return nil
	}
	out := make([]mountallowlist.Mount, 0, len(g.AdditionalMounts))
	for _, req := range g.AdditionalMounts {
		m, err := o.Mounts.Validate(req.ContainerPath, req.HostPath, req.ReadOnly, g.IsMain)
		if err != nil {
			slog.Warn("orchestrator: additional mount rejected", "group", g.FolderName, "host_path", req.HostPath, "reason", err)
			continue
		}
		out = append(out, *m)
	}
	return out
}

func (o *Orchestrator) envFileDir() string {
	return o.Config.DataDir + "/envfiles"
}

func (o *Orchestrator) logsDir(folder string) string {
	return o.Config.GroupsDir + "/" + folder + "/logs"
}

func systemPrompt(g *group.Group) string {
	if g.CustomSystemPrompt != "" {
		return g.CustomSystemPrompt
	}
	return "You are " + g.Name + "'s assistant."
}

func modelFor(g *group.Group, cfg *config.Config) string {
	if g.ModelOverride != "" {
		return g.ModelOverride
	}
	return cfg.GeminiModel
}
