// Package feedback records routing outcomes and user satisfaction signals
// without ever blocking the request path.
package feedback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hrygo/divinesense-router/store"
)

const (
	// DefaultQueueSize bounds the number of records waiting for the sink.
	DefaultQueueSize = 1024
	// DefaultWriteTimeout bounds one sink write.
	DefaultWriteTimeout = 5 * time.Second
)

// Metrics receives recorder health counters. *metrics.PrometheusExporter satisfies it.
type Metrics interface {
	RecordFeedbackDropped()
	RecordFeedbackError(sink string)
}

// Config configures a Recorder.
type Config struct {
	QueueSize    int
	WriteTimeout time.Duration
	Metrics      Metrics
	Logger       *slog.Logger
}

// Recorder handles async delivery of feedback records to a Sink.
type Recorder struct {
	sink         Sink
	queue        chan *store.FeedbackRecord
	writeTimeout time.Duration
	metrics      Metrics
	logger       *slog.Logger

	wg      sync.WaitGroup
	stopCh  chan struct{}
	once    sync.Once
	stopped atomic.Bool
	dropped atomic.Int64
}

// NewRecorder starts a recorder writing to sink.
func NewRecorder(sink Sink, cfg Config) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Recorder{
		sink:         sink,
		queue:        make(chan *store.FeedbackRecord, cfg.QueueSize),
		writeTimeout: cfg.WriteTimeout,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		stopCh:       make(chan struct{}),
	}
	r.wg.Add(1)
	go r.processQueue()
	return r
}

// Record queues rec for the sink. It never blocks: when the queue is full or
// the recorder is closed the record is dropped and false is returned.
func (r *Recorder) Record(rec *store.FeedbackRecord) bool {
	if rec == nil {
		return false
	}
	if r.stopped.Load() {
		r.drop(rec, "recorder closed")
		return false
	}
	if rec.CreatedTs == 0 {
		rec.CreatedTs = time.Now().Unix()
	}

	select {
	case r.queue <- rec:
		return true
	default:
		r.drop(rec, "queue full")
		return false
	}
}

// Signal records an explicit satisfaction signal for a previous request.
func (r *Recorder) Signal(requestID, sessionID string, signals map[string]string) bool {
	return r.Record(&store.FeedbackRecord{
		RequestID: requestID,
		SessionID: sessionID,
		Kind:      store.FeedbackKindSignal,
		Signals:   signals,
	})
}

// Dropped returns the number of records lost so far.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// QueueSize returns the current queue size.
func (r *Recorder) QueueSize() int {
	return len(r.queue)
}

func (r *Recorder) drop(rec *store.FeedbackRecord, reason string) {
	r.dropped.Add(1)
	if r.metrics != nil {
		r.metrics.RecordFeedbackDropped()
	}
	r.logger.Warn("feedback record dropped",
		"reason", reason,
		"request_id", rec.RequestID,
		"kind", rec.Kind,
		"queue_size", len(r.queue))
}

func (r *Recorder) processQueue() {
	defer r.wg.Done()

	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.stopCh:
			r.drainQueue()
			return
		}
	}
}

func (r *Recorder) write(rec *store.FeedbackRecord) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	err := r.sink.Write(ctx, rec)
	cancel()
	if err == nil {
		return true
	}

	r.logger.Error("failed to write feedback record",
		"request_id", rec.RequestID,
		"kind", rec.Kind,
		"error", err)
	if r.metrics != nil {
		for _, name := range failedSinks(err, r.sink.Name()) {
			r.metrics.RecordFeedbackError(name)
		}
	}
	return false
}

func (r *Recorder) drainQueue() {
	remaining := len(r.queue)
	if remaining > 0 {
		r.logger.Info("draining feedback queue", "remaining", remaining)
	}
	saved, lost := 0, 0
	for {
		select {
		case rec := <-r.queue:
			if r.write(rec) {
				saved++
			} else {
				lost++
			}
		default:
			if lost > 0 {
				r.logger.Error("feedback shutdown complete with data loss", "saved", saved, "lost", lost)
			}
			return
		}
	}
}

// Close stops accepting records, drains the queue and waits up to timeout.
func (r *Recorder) Close(timeout time.Duration) error {
	r.once.Do(func() {
		r.stopped.Store(true)
		close(r.stopCh)
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		r.logger.Warn("feedback recorder shutdown timeout", "remaining", len(r.queue))
		return context.DeadlineExceeded
	}
}

// failedSinks names the sinks responsible for err.
func failedSinks(err error, fallback string) []string {
	var names []string
	var walk func(error)
	walk = func(e error) {
		var se *SinkError
		if errors.As(e, &se) {
			if joined, ok := e.(interface{ Unwrap() []error }); ok {
				for _, inner := range joined.Unwrap() {
					walk(inner)
				}
				return
			}
			names = append(names, se.Sink)
		}
	}
	walk(err)
	if len(names) == 0 {
		names = []string{fallback}
	}
	return names
}
