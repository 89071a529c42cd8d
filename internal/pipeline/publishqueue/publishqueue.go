// Package publishqueue adapts the teacher's SummarizationScheduler (a
// single buffered channel plus one worker goroutine owning every outbound
// Ollama call) to the Pub/Sub publish path: one worker owns every
// publisher.Publish call so a slow or wedged Redis connection cannot stall
// a feed task's tick.
package publishqueue

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/alek-niko/aggregator/internal/apperrors"
	"github.com/alek-niko/aggregator/internal/metrics"
	"github.com/alek-niko/aggregator/internal/pubsub"
)

// Request is one outbound publish, enqueued instead of published directly.
type Request struct {
	Channel    string
	Payload    []byte
	EnqueuedAt time.Time
}

// ErrorReporter is the subset of the outbound event bus this queue needs:
// it surfaces item_save_error (spec §7) when retries are exhausted, or
// redis_error when the last failure was a lost connection. The
// queue operates on Pub/Sub channels rather than feeds, so it always
// reports an empty url.
type ErrorReporter interface {
	EmitError(tag apperrors.Tag, feedID *int64, url, message string)
}

// Queue is the publish scheduler (§4 Supplemented Features).
type Queue struct {
	queue     chan Request
	publisher pubsub.Publisher
	metrics   *metrics.Metrics
	reporter  ErrorReporter

	maxRetries int
	backoffBase time.Duration

	shutdown chan struct{}
	done     chan struct{}

	mu         sync.Mutex
	queueDepth int
	isRunning  bool
}

// Config tunes the queue's capacity and retry behavior.
type Config struct {
	QueueSize   int
	MaxRetries  int
	BackoffBase time.Duration
}

// New constructs a Queue. Call Start to begin processing.
func New(publisher pubsub.Publisher, m *metrics.Metrics, reporter ErrorReporter, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	q := &Queue{
		queue:       make(chan Request, cfg.QueueSize),
		publisher:   publisher,
		metrics:     m,
		reporter:    reporter,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	if m != nil {
		m.UpdatePublishQueueCapacity(cfg.QueueSize)
	}
	return q
}

// Start begins the single worker goroutine.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.isRunning {
		q.mu.Unlock()
		return fmt.Errorf("publish queue is already running")
	}
	q.isRunning = true
	q.mu.Unlock()

	go q.worker(ctx)
	return nil
}

// Stop signals the worker to drain and exit, waiting up to 30s.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return fmt.Errorf("publish queue is not running")
	}
	q.mu.Unlock()

	close(q.shutdown)
	select {
	case <-q.done:
	case <-time.After(30 * time.Second):
		log.Println("publish queue shutdown timeout")
	}

	q.mu.Lock()
	q.isRunning = false
	q.mu.Unlock()
	return nil
}

// Enqueue submits a publish request without blocking; a full queue is
// reported as an item_save_error rather than applying backpressure to the
// calling feed tick.
func (q *Queue) Enqueue(channel string, payload []byte) error {
	req := Request{Channel: channel, Payload: payload, EnqueuedAt: time.Now()}

	select {
	case q.queue <- req:
		q.mu.Lock()
		q.queueDepth++
		depth := q.queueDepth
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.UpdatePublishQueueDepth(depth)
		}
		return nil
	default:
		err := fmt.Errorf("publish queue is full (capacity %d)", cap(q.queue))
		if q.reporter != nil {
			q.reporter.EmitError(apperrors.TagItemSave, nil, "", err.Error())
		}
		return err
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.shutdown:
			for {
				select {
				case req := <-q.queue:
					q.mu.Lock()
					q.queueDepth--
					q.mu.Unlock()
					q.process(ctx, req)
				default:
					return
				}
			}
		case req := <-q.queue:
			q.mu.Lock()
			q.queueDepth--
			depth := q.queueDepth
			q.mu.Unlock()
			if q.metrics != nil {
				q.metrics.UpdatePublishQueueDepth(depth)
				q.metrics.RecordPublishQueueWait(time.Since(req.EnqueuedAt))
			}
			q.process(ctx, req)
		}
	}
}

func (q *Queue) process(ctx context.Context, req Request) {
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= q.maxRetries; attempt++ {
		if err := q.publisher.Publish(ctx, req.Channel, req.Payload); err == nil {
			if q.metrics != nil {
				q.metrics.RecordPublishProcessing("success", time.Since(start))
			}
			return
		} else {
			lastErr = err
		}

		if attempt < q.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * q.backoffBase
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = q.maxRetries
			case <-time.After(backoff):
			}
		}
	}

	if q.metrics != nil {
		q.metrics.RecordPublishProcessing("error", time.Since(start))
	}
	if q.reporter != nil {
		tag := apperrors.TagItemSave
		if pubsub.IsConnectionError(lastErr) {
			tag = apperrors.TagRedis
		}
		q.reporter.EmitError(tag, nil, "",
			fmt.Sprintf("publish to %s failed after %d attempts: %v", req.Channel, q.maxRetries, lastErr))
	}
}
