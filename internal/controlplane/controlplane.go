// Package controlplane implements the Control Plane (C5): an outbound
// event bus with exactly two event names (new-item, error) and an inbound
// command subscriber, grounded in the teacher's discord_webhook.go
// subscriber loop but replacing its dynamic string-keyed dispatch with a
// small closed event taxonomy, per spec §4.5 and §9's "typed bus" note.
package controlplane

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/alek-niko/aggregator/internal/apperrors"
	"github.com/alek-niko/aggregator/internal/metrics"
	"github.com/alek-niko/aggregator/internal/pipeline"
)

// ErrorEvent is the payload for every "error" event (spec §7). URL is the
// originating feed's URL, empty when the error has no single feed behind
// it (e.g. a redis_error from the publish queue).
type ErrorEvent struct {
	Type    apperrors.Tag
	FeedID  *int64
	URL     string
	Message string
	Date    time.Time
}

// NewItemHandler and ErrorHandler are the two closed event kinds the
// outbound bus supports.
type NewItemHandler func(pipeline.NewItemEvent)
type ErrorHandler func(ErrorEvent)

// Bus is the outbound half of the Control Plane. It implements
// pipeline.Emitter and publishqueue.ErrorReporter so the pipeline and
// publish queue never see this package's subscriber machinery.
type Bus struct {
	metrics       *metrics.Metrics
	newItemHooks  []NewItemHandler
	errorHooks    []ErrorHandler
}

// NewBus constructs an empty Bus.
func NewBus(m *metrics.Metrics) *Bus {
	return &Bus{metrics: m}
}

// OnNewItem registers a handler invoked for every EmitNewItem call.
func (b *Bus) OnNewItem(h NewItemHandler) {
	b.newItemHooks = append(b.newItemHooks, h)
}

// OnError registers a handler invoked for every EmitError call.
func (b *Bus) OnError(h ErrorHandler) {
	b.errorHooks = append(b.errorHooks, h)
}

// EmitNewItem satisfies pipeline.Emitter.
func (b *Bus) EmitNewItem(e pipeline.NewItemEvent) {
	for _, h := range b.newItemHooks {
		h(e)
	}
}

// EmitError satisfies pipeline.Emitter and publishqueue.ErrorReporter.
func (b *Bus) EmitError(tag apperrors.Tag, feedID *int64, url, message string) {
	if b.metrics != nil {
		b.metrics.RecordError(string(tag))
	}
	ev := ErrorEvent{Type: tag, FeedID: feedID, URL: url, Message: message, Date: time.Now()}
	for _, h := range b.errorHooks {
		h(ev)
	}
}

// Command is the tagged-variant decoding of an inbound aggregator message
// (spec §6, §9 "dynamic JSON commands -> tagged variant").
type Command struct {
	Cmd      string  `json:"cmd"`
	URL      string  `json:"url"`
	Name     string  `json:"name"`
	Category int64   `json:"category"`
	Refresh  int64   `json:"refresh"`
}

// Dispatcher routes decoded Commands to Scheduler operations. Kept as an
// interface so controlplane never imports the scheduler package directly,
// keeping the dependency direction the same as the store/pubsub ports.
type Dispatcher interface {
	Add(ctx context.Context, url, name string, category, refreshMS int64) error
	Remove(ctx context.Context, url string) error
	Replace(ctx context.Context, url, name string, category, refreshMS int64) error
}

// HandleMessage decodes and dispatches one inbound aggregator message,
// per §4.5: malformed JSON is logged and dropped, unknown cmd values are
// logged as warnings.
func HandleMessage(ctx context.Context, payload string, d Dispatcher, m *metrics.Metrics) {
	var cmd Command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		log.Printf("control plane: dropping malformed command: %v", err)
		if m != nil {
			m.RecordCommand("unknown", "malformed")
		}
		return
	}

	var err error
	switch cmd.Cmd {
	case "add":
		err = d.Add(ctx, cmd.URL, cmd.Name, cmd.Category, cmd.Refresh)
	case "remove":
		err = d.Remove(ctx, cmd.URL)
	case "replace":
		err = d.Replace(ctx, cmd.URL, cmd.Name, cmd.Category, cmd.Refresh)
	default:
		log.Printf("control plane: unknown command %q", cmd.Cmd)
		if m != nil {
			m.RecordCommand(cmd.Cmd, "unknown")
		}
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
		log.Printf("control plane: command %q failed: %v", cmd.Cmd, err)
	}
	if m != nil {
		m.RecordCommand(cmd.Cmd, status)
	}
}
