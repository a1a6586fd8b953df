// Package ipcbus lets sandboxed agent processes reach back into the host
// without a network socket: they write one JSON file per request into
// their group's IPC directory, and this bus watches, authorises,
// dispatches, and removes those files. A single run() goroutine owns all
// mutable state, a debounce timer collapses bursts of create events into
// one scan, a polling ticker is kept as a safety net, and watcher errors
// close the watcher while the poll loop carries on.
package ipcbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/nanoclaw/nanoclaw/internal/group"
	"github.com/nanoclaw/nanoclaw/internal/tools"
)

// ChatSender delivers a text message into a chat, used for "message" IPC
// files once authorised.
type ChatSender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// Config controls debounce/poll timing.
type Config struct {
	DebounceMS                   int
	PollIntervalMS               int
	FallbackPollingMultiplier    int
}

// Bus watches every registered group's messages/ and tasks/ directories
// under Root and dispatches the files it finds there.
type Bus struct {
	Root          string
	Groups        *group.Registry
	Tools         *tools.Registry
	Chat          ChatSender
	AssistantName string
	Config        Config

	sentMu sync.Mutex
	sent   map[string]bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Bus. Callers call Start once every group directory has been
// created (EnsureGroupDirs).
func New(root string, groups *group.Registry, toolsReg *tools.Registry, chat ChatSender, assistantName string, cfg Config) *Bus {
	return &Bus{
		Root:          root,
		Groups:        groups,
		Tools:         toolsReg,
		Chat:          chat,
		AssistantName: assistantName,
		Config:        cfg,
		sent:          make(map[string]bool),
		stop:          make(chan struct{}),
	}
}

// WasSent reports whether chatID was recorded via an outgoing IPC message,
// for the message-ingestion path to de-duplicate the bot's own echoes.
func (b *Bus) WasSent(chatID string) bool {
	b.sentMu.Lock()
	defer b.sentMu.Unlock()
	return b.sent[chatID]
}

func (b *Bus) recordSent(chatID string) {
	b.sentMu.Lock()
	defer b.sentMu.Unlock()
	b.sent[chatID] = true
}

// EnsureGroupDirs creates the messages/, tasks/, and errors/
// subdirectories for a group's IPC namespace.
func (b *Bus) EnsureGroupDirs(folder string) error {
	for _, sub := range []string{"messages", "tasks", "errors"} {
		dir := filepath.Join(b.Root, folder, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create ipc dir %s", dir)
		}
	}
	return nil
}

// Start launches the watcher-plus-poll-fallback loop in the background.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop requests the loop to end; the in-flight scan, if any, finishes
// first.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

func (b *Bus) run(ctx context.Context) {
	defer b.wg.Done()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("ipcbus: create watcher failed, falling back to polling only", "error", err)
		b.pollLoop(ctx)
		return
	}

	b.addWatches(watcher)

	debounceMS := time.Duration(b.Config.DebounceMS) * time.Millisecond
	if debounceMS <= 0 {
		debounceMS = 500 * time.Millisecond
	}
	pollInterval := time.Duration(b.Config.PollIntervalMS) * time.Millisecond
	multiplier := b.Config.FallbackPollingMultiplier
	if multiplier <= 0 {
		multiplier = 4
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	fallback := time.NewTicker(pollInterval * time.Duration(multiplier))
	defer fallback.Stop()

	var mu sync.Mutex
	var debounce *time.Timer
	signal := make(chan struct{}, 1)
	sendSignal := func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	}

	b.scan()

	for {
		select {
		case <-b.stop:
			watcher.Close()
			return
		case <-ctx.Done():
			watcher.Close()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				// Watcher closed itself: carry on with the polling
				// fallback alone.
				b.pollLoop(ctx)
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			mu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceMS, sendSignal)
			mu.Unlock()
		case _, ok := <-watcher.Errors:
			if !ok {
				b.pollLoop(ctx)
				return
			}
			watcher.Close()
			b.pollLoop(ctx)
			return
		case <-signal:
			b.scan()
		case <-fallback.C:
			b.scan()
		}
	}
}

// pollLoop is the safety-net path used both as the sole driver when the
// watcher cannot be created and as the continuation after a watcher error.
func (b *Bus) pollLoop(ctx context.Context) {
	interval := time.Duration(b.Config.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.scan()
		}
	}
}

func (b *Bus) addWatches(watcher *fsnotify.Watcher) {
	_ = watcher.Add(b.Root)
	for _, g := range b.Groups.List() {
		_ = watcher.Add(filepath.Join(b.Root, g.FolderName, "messages"))
		_ = watcher.Add(filepath.Join(b.Root, g.FolderName, "tasks"))
	}
}

// scan walks every registered group's messages/ and tasks/ directories and
// processes each *.json file found.
func (b *Bus) scan() {
	for _, g := range b.Groups.List() {
		b.scanDir(g.FolderName, "messages", b.handleMessageFile)
		b.scanDir(g.FolderName, "tasks", b.handleTaskFile)
	}
}

func (b *Bus) scanDir(folder, sub string, handle func(folder string, path string, data []byte) error) {
	dir := filepath.Join(b.Root, folder, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue // likely a writer still in progress; pick it up next scan
		}
		if err := handle(folder, path, data); err != nil {
			b.moveToErrors(folder, path, err)
			continue
		}
		_ = os.Remove(path)
	}
}

// moveToErrors relocates an unparseable or unauthorised file into
// <root>/errors/<source_group>-<original>, logging the reason.
func (b *Bus) moveToErrors(folder, path string, cause error) {
	errDir := filepath.Join(b.Root, "errors")
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		slog.Error("ipcbus: create errors dir failed", "error", err)
		return
	}
	dest := filepath.Join(errDir, folder+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		slog.Error("ipcbus: move failed ipc file failed", "path", path, "error", err)
	}
	slog.Warn("ipcbus: rejected ipc file", "path", path, "reason", cause)
}

type messageFile struct {
	Type      string `json:"type"`
	ChatJID   string `json:"chatJid"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func (b *Bus) handleMessageFile(sourceGroup, _ string, data []byte) error {
	var msg messageFile
	if err := json.Unmarshal(data, &msg); err != nil {
		return errors.Wrap(err, "parse ipc message file")
	}
	if msg.Type != "message" {
		return errors.Errorf("unexpected type %q in messages directory", msg.Type)
	}

	if !b.authorisedForChat(sourceGroup, msg.ChatJID) {
		return errors.Errorf("group %s not authorised to message chat %s", sourceGroup, msg.ChatJID)
	}
	if b.Chat == nil {
		return errors.New("no chat client configured")
	}

	text := msg.Text
	if b.AssistantName != "" {
		text = b.AssistantName + ": " + text
	}
	if err := b.Chat.SendText(context.Background(), msg.ChatJID, text); err != nil {
		return errors.Wrap(err, "send ipc message")
	}
	b.recordSent(msg.ChatJID)
	return nil
}

// authorisedForChat: source_group is main, or target_chat belongs to
// source_group.
func (b *Bus) authorisedForChat(sourceGroup, chatJID string) bool {
	if main := b.Groups.Main(); main != nil && main.FolderName == sourceGroup {
		return true
	}
	target := b.Groups.Get(chatJID)
	return target != nil && target.FolderName == sourceGroup
}

type taskFile struct {
	Type          string `json:"type"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	GroupFolder   string `json:"groupFolder"`
	ChatJID       string `json:"chatJid"`
	ContextMode   string `json:"context_mode"`
	TaskID        string `json:"taskId"`
	JID           string `json:"jid"`
	Name          string `json:"name"`
	Folder        string `json:"folder"`
	Trigger       string `json:"trigger"`
}

// handleTaskFile dispatches a task-directory IPC file to the same tool
// handlers that service in-band function calls, reusing Registry.Invoke's
// own authorisation (group ownership, MainOnly).
func (b *Bus) handleTaskFile(sourceGroup, _ string, data []byte) error {
	var f taskFile
	if err := json.Unmarshal(data, &f); err != nil {
		return errors.Wrap(err, "parse ipc task file")
	}

	isMain := false
	if main := b.Groups.Main(); main != nil {
		isMain = main.FolderName == sourceGroup
	}

	var toolName string
	var args map[string]any
	switch f.Type {
	case "schedule_task":
		toolName = "schedule_task"
		args = map[string]any{
			"schedule_type":  f.ScheduleType,
			"schedule_value": f.ScheduleValue,
			"prompt":         f.Prompt,
			"context_mode":   f.ContextMode,
		}
	case "pause_task":
		toolName = "pause_task"
		args = map[string]any{"task_id": f.TaskID}
	case "resume_task":
		toolName = "resume_task"
		args = map[string]any{"task_id": f.TaskID}
	case "cancel_task":
		toolName = "cancel_task"
		args = map[string]any{"task_id": f.TaskID}
	case "register_group":
		toolName = "register_group"
		args = map[string]any{"chat_id": f.JID, "name": f.Name}
	case "generate_image":
		toolName = "generate_image"
		args = map[string]any{"prompt": f.Prompt}
	default:
		return errors.Errorf("unknown ipc task type %q", f.Type)
	}

	argBytes, err := json.Marshal(args)
	if err != nil {
		return errors.Wrap(err, "marshal ipc task arguments")
	}

	res := b.Tools.Invoke(context.Background(), tools.Call{
		Name:        toolName,
		Arguments:   argBytes,
		GroupFolder: sourceGroup,
		ChatID:      f.ChatJID,
		IsMain:      isMain,
	})
	if errMsg, ok := res.Response["error"]; ok {
		return errors.Errorf("%v", errMsg)
	}
	return nil
}
