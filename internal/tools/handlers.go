package tools

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	cronparser "github.com/robfig/cron/v3"

	"github.com/nanoclaw/nanoclaw/internal/group"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// ImageGenerator produces image bytes for a prompt — an abstraction over
// whichever AI provider call backs generate_image, so this package does
// not depend on internal/aiprovider directly.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// PhotoSender delivers generated images back to the originating chat.
// internal/chatapp's concrete adapters satisfy this.
type PhotoSender interface {
	SendPhoto(ctx context.Context, chatID string, image []byte, caption string) error
}

// Deps bundles every external collaborator the standard tool set needs.
// Images and Photos may be nil, and Groups may be nil for register_group;
// those handlers answer with an error response ("No bot instance
// available", "Registrar not available") rather than panicking. Store, and
// Groups in the task handlers, are used without a nil check.
type Deps struct {
	Store     *store.Store
	Groups    *group.Registry
	Images    ImageGenerator
	Photos    PhotoSender
	Location  *time.Location
	NowMillis func() int64
}

var cronSpecParser = cronparser.NewParser(cronparser.Minute | cronparser.Hour | cronparser.Dom | cronparser.Month | cronparser.Dow)

// RegisterStandardTools wires the seven catalogue tools into reg using
// deps as their backing collaborators.
func RegisterStandardTools(reg *Registry, deps Deps) {
	reg.Register(Schema{
		Name:        "schedule_task",
		Description: "Schedule a task to run on a cron expression, fixed interval, or a one-time timestamp.",
		Parameters: map[string]any{
			"schedule_type":  map[string]any{"type": "string", "enum": []string{"cron", "interval", "once"}},
			"schedule_value": map[string]any{"type": "string"},
			"prompt":         map[string]any{"type": "string"},
			"context_mode":   map[string]any{"type": "string", "enum": []string{"isolated", "group"}},
		},
		Required: []string{"schedule_type", "schedule_value", "prompt"},
	}, deps.scheduleTask)

	reg.Register(Schema{
		Name:        "pause_task",
		Description: "Pause a scheduled task by id.",
		Parameters:  map[string]any{"task_id": map[string]any{"type": "string"}},
		Required:    []string{"task_id"},
	}, deps.taskStatusHandler(store.TaskPaused))

	reg.Register(Schema{
		Name:        "resume_task",
		Description: "Resume a paused task by id.",
		Parameters:  map[string]any{"task_id": map[string]any{"type": "string"}},
		Required:    []string{"task_id"},
	}, deps.taskStatusHandler(store.TaskActive))

	reg.Register(Schema{
		Name:        "cancel_task",
		Description: "Permanently cancel a scheduled task by id.",
		Parameters:  map[string]any{"task_id": map[string]any{"type": "string"}},
		Required:    []string{"task_id"},
	}, deps.cancelTask)

	reg.Register(Schema{
		Name:        "generate_image",
		Description: "Generate an image from a text prompt and send it to the chat.",
		Parameters:  map[string]any{"prompt": map[string]any{"type": "string"}},
		Required:    []string{"prompt"},
	}, deps.generateImage)

	reg.Register(Schema{
		Name:        "set_preference",
		Description: "Set one of the allowed per-group preference keys.",
		Parameters: map[string]any{
			"key":   map[string]any{"type": "string"},
			"value": map[string]any{"type": "string"},
		},
		Required: []string{"key", "value"},
	}, deps.setPreference)

	reg.Register(Schema{
		Name:        "register_group",
		Description: "Register a new chat as a tenant group.",
		Parameters: map[string]any{
			"chat_id": map[string]any{"type": "string"},
			"name":    map[string]any{"type": "string"},
		},
		Required: []string{"chat_id", "name"},
		MainOnly: true,
	}, deps.registerGroup)
}

func (d Deps) now() int64 {
	if d.NowMillis != nil {
		return d.NowMillis()
	}
	return time.Now().UnixMilli()
}

type scheduleTaskArgs struct {
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	Prompt        string `json:"prompt"`
	ContextMode   string `json:"context_mode"`
}

func (d Deps) scheduleTask(ctx context.Context, raw json.RawMessage, groupFolder, chatID string) (map[string]any, error) {
	var args scheduleTaskArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "parse schedule_task arguments")
	}

	var kind string
	var nextRun int64
	switch args.ScheduleType {
	case "cron":
		kind = store.ScheduleCron
		sched, err := cronSpecParser.Parse(args.ScheduleValue)
		if err != nil {
			return map[string]any{"error": "Invalid cron expression"}, nil
		}
		loc := d.Location
		if loc == nil {
			loc = time.UTC
		}
		nextRun = sched.Next(time.Now().In(loc)).UnixMilli()
	case "interval":
		kind = store.ScheduleIntervalMS
		ms, err := strconv.ParseInt(args.ScheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return map[string]any{"error": "Invalid interval value"}, nil
		}
		nextRun = d.now() + ms
	case "once":
		kind = store.ScheduleOnceISO
		t, err := time.Parse(time.RFC3339, args.ScheduleValue)
		if err != nil {
			return map[string]any{"error": "Invalid timestamp"}, nil
		}
		nextRun = t.UnixMilli()
	default:
		return map[string]any{"error": "Invalid cron expression"}, nil
	}

	contextMode := store.ContextIsolated
	if args.ContextMode == store.ContextGroup {
		contextMode = store.ContextGroup
	}

	id := newTaskID()
	task := store.Task{
		ID:            id,
		GroupFolder:   groupFolder,
		ChatID:        chatID,
		Prompt:        args.Prompt,
		ScheduleKind:  kind,
		ScheduleValue: args.ScheduleValue,
		ContextMode:   contextMode,
		NextRun:       &nextRun,
		Status:        store.TaskActive,
		CreatedAt:     d.now(),
	}
	if err := d.Store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return map[string]any{"task_id": id, "next_run": nextRun}, nil
}

func (d Deps) taskStatusHandler(status string) Handler {
	return func(ctx context.Context, raw json.RawMessage, groupFolder, chatID string) (map[string]any, error) {
		var args struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, errors.Wrap(err, "parse task id argument")
		}

		task, err := d.Store.GetTask(ctx, args.TaskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return map[string]any{"error": "Task not found"}, nil
			}
			return nil, err
		}
		if !d.authorized(task.GroupFolder, groupFolder) {
			return map[string]any{"error": "Permission denied"}, nil
		}

		if err := d.Store.SetStatus(ctx, args.TaskID, status); err != nil {
			return nil, err
		}
		return map[string]any{"task_id": args.TaskID, "status": status}, nil
	}
}

func (d Deps) cancelTask(ctx context.Context, raw json.RawMessage, groupFolder, chatID string) (map[string]any, error) {
	var args struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "parse task id argument")
	}

	task, err := d.Store.GetTask(ctx, args.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return map[string]any{"error": "Task not found"}, nil
		}
		return nil, err
	}
	if !d.authorized(task.GroupFolder, groupFolder) {
		return map[string]any{"error": "Permission denied"}, nil
	}

	if err := d.Store.DeleteTask(ctx, args.TaskID); err != nil {
		return nil, err
	}
	return map[string]any{"task_id": args.TaskID, "cancelled": true}, nil
}

// authorized implements "main or owns the task". callerGroup
// is the main group's folder iff the invocation came from the main group;
// RegisterStandardTools' caller is expected to route through isMain
// already for tool visibility, this check additionally covers group
// ownership for non-main callers acting on their own tasks.
func (d Deps) authorized(taskGroup, callerGroup string) bool {
	if main := d.Groups.Main(); main != nil && main.FolderName == callerGroup {
		return true
	}
	return taskGroup == callerGroup
}

func (d Deps) generateImage(ctx context.Context, raw json.RawMessage, groupFolder, chatID string) (map[string]any, error) {
	var args struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "parse generate_image arguments")
	}

	if d.Images == nil {
		return map[string]any{"error": "No bot instance available"}, nil
	}
	image, err := d.Images.GenerateImage(ctx, args.Prompt)
	if err != nil {
		return nil, err
	}

	if d.Photos == nil {
		return map[string]any{"error": "No bot instance available"}, nil
	}
	if err := d.Photos.SendPhoto(ctx, chatID, image, args.Prompt); err != nil {
		return nil, err
	}
	return map[string]any{"sent": true}, nil
}

func (d Deps) setPreference(ctx context.Context, raw json.RawMessage, groupFolder, chatID string) (map[string]any, error) {
	var args struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "parse set_preference arguments")
	}
	if !store.AllowedPreferenceKeys[args.Key] {
		return map[string]any{"error": "Invalid key: " + args.Key}, nil
	}
	if err := d.Store.SetPreference(ctx, groupFolder, args.Key, args.Value, d.now()); err != nil {
		return nil, err
	}
	return map[string]any{"key": args.Key, "value": args.Value}, nil
}

func (d Deps) registerGroup(ctx context.Context, raw json.RawMessage, groupFolder, chatID string) (map[string]any, error) {
	var args struct {
		ChatID string `json:"chat_id"`
		Name   string `json:"name"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "parse register_group arguments")
	}

	if d.Groups == nil {
		return map[string]any{"error": "Registrar not available"}, nil
	}

	folder := group.DeriveFolderName(args.Name)
	g := group.Group{
		ChatID:     args.ChatID,
		FolderName: folder,
		Name:       args.Name,
	}
	if err := d.Groups.Register(g); err != nil {
		return nil, err
	}
	return map[string]any{"folder_name": folder}, nil
}
