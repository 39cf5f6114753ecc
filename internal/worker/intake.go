package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/dispatcher"
	"github.com/jmehdipour/webhook-gateway/internal/kafka"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"go.uber.org/zap"
)

// MessageSource is the part of the Kafka consumer the intake worker uses.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// EventTrigger is the producer-facing side of the dispatcher.
type EventTrigger interface {
	TriggerEvent(ctx context.Context, ev model.Event) (*dispatcher.Ticket, error)
}

// IntakeKafka:
// - fetches intake messages from Kafka,
// - turns each into an event and hands it to the dispatcher, retrying the
//   hand-off until it succeeds or the worker stops,
// - commits each partition in fetch order, so the committed offset never
//   passes a message that was not handed off (poison messages are skipped).
type IntakeKafka struct {
	Source   MessageSource
	Dispatch EventTrigger
	Log      *zap.Logger

	Workers         int           // number of goroutines processing messages
	RetryBackoff    time.Duration // first wait after a failed hand-off
	MaxRetryBackoff time.Duration

	commits *commitTracker
}

func NewIntakeKafka(src MessageSource, trigger EventTrigger, log *zap.Logger) *IntakeKafka {
	if log == nil {
		log = zap.NewNop()
	}
	return &IntakeKafka{
		Source:          src,
		Dispatch:        trigger,
		Log:             log,
		Workers:         16,
		RetryBackoff:    200 * time.Millisecond,
		MaxRetryBackoff: 30 * time.Second,
	}
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *IntakeKafka) Run(ctx context.Context) error {
	if w.Source == nil || w.Dispatch == nil {
		return errors.New("intake-kafka: missing source or dispatcher")
	}
	if w.Workers <= 0 {
		w.Workers = 16
	}
	if w.RetryBackoff <= 0 {
		w.RetryBackoff = 200 * time.Millisecond
	}
	if w.MaxRetryBackoff < w.RetryBackoff {
		w.MaxRetryBackoff = w.RetryBackoff
	}
	w.commits = newCommitTracker()

	msgCh := make(chan *trackedMessage, w.Workers*2)

	// Fetcher goroutine
	go func() {
		defer close(msgCh)
		for {
			m, err := w.Source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.Log.Warn("kafka fetch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case msgCh <- w.commits.track(m):
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan struct{}, w.Workers)
	for i := 0; i < w.Workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for tm := range msgCh {
				if w.processOne(ctx, tm.msg) {
					w.complete(ctx, tm)
				}
			}
		}()
	}
	for i := 0; i < w.Workers; i++ {
		<-done
	}
	return nil
}

// processOne reports whether the message is finished with and may be
// committed: handed off, or undecodable. It returns false only when the
// worker is stopping before the hand-off succeeded.
func (w *IntakeKafka) processOne(ctx context.Context, m kafka.Message) bool {
	fields := []zap.Field{zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset)}

	var msg model.IntakeMessage
	ev, err := decodeIntake(m.Value, &msg, m.Time)
	if err != nil {
		// poison → commit, skip
		metrics.IntakeTotal.WithLabelValues("kafka", "rejected").Inc()
		w.Log.Warn("bad intake message", append(fields, zap.Error(err))...)
		return true
	}
	fields = append(fields, zap.String("event_id", ev.ID), zap.String("tenant_id", ev.TenantID))

	wait := w.RetryBackoff
	for {
		ticket, err := w.Dispatch.TriggerEvent(ctx, ev)
		if err == nil {
			metrics.IntakeTotal.WithLabelValues("kafka", "accepted").Inc()
			w.Log.Debug("event accepted", append(fields, zap.Int("endpoints", len(ticket.Endpoints())))...)
			return true
		}
		if ctx.Err() != nil || errors.Is(err, dispatcher.ErrShuttingDown) {
			// left uncommitted: redelivered after a restart
			w.Log.Info("event not handed off before stop", append(fields, zap.Error(err))...)
			return false
		}

		metrics.IntakeTotal.WithLabelValues("kafka", "deferred").Inc()
		w.Log.Error("trigger event failed", append(fields, zap.Duration("retry_in", wait), zap.Error(err))...)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		wait = min(wait*2, w.MaxRetryBackoff)
	}
}

func (w *IntakeKafka) complete(ctx context.Context, tm *trackedMessage) {
	w.commits.complete(tm, func(m kafka.Message) {
		if err := w.Source.Commit(ctx, m); err != nil && ctx.Err() == nil {
			w.Log.Warn("kafka commit failed", zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		}
	})
}

type partitionKey struct {
	topic     string
	partition int
}

type trackedMessage struct {
	msg  kafka.Message
	done bool
}

// commitTracker releases messages per partition in the order they were
// fetched. A Kafka commit covers every lower offset of the partition, so a
// message still in hand-off holds back the commits of everything after it.
type commitTracker struct {
	mu      sync.Mutex
	pending map[partitionKey][]*trackedMessage
}

func newCommitTracker() *commitTracker {
	return &commitTracker{pending: make(map[partitionKey][]*trackedMessage)}
}

func (c *commitTracker) track(m kafka.Message) *trackedMessage {
	tm := &trackedMessage{msg: m}
	key := partitionKey{topic: m.Topic, partition: m.Partition}
	c.mu.Lock()
	c.pending[key] = append(c.pending[key], tm)
	c.mu.Unlock()
	return tm
}

// complete marks tm finished and commits the newest message of the finished
// prefix of its partition, if any. Commits run under the lock so a partition
// never sees them out of order.
func (c *commitTracker) complete(tm *trackedMessage, commit func(kafka.Message)) {
	key := partitionKey{topic: tm.msg.Topic, partition: tm.msg.Partition}
	c.mu.Lock()
	defer c.mu.Unlock()
	tm.done = true

	queue := c.pending[key]
	n := 0
	for n < len(queue) && queue[n].done {
		n++
	}
	if n == 0 {
		return
	}
	last := queue[n-1].msg
	if n == len(queue) {
		delete(c.pending, key)
	} else {
		c.pending[key] = queue[n:]
	}
	commit(last)
}

func decodeIntake(value []byte, msg *model.IntakeMessage, at time.Time) (model.Event, error) {
	if err := json.Unmarshal(value, msg); err != nil {
		return model.Event{}, err
	}
	if at.IsZero() {
		at = time.Now()
	}
	return msg.Event(at)
}
