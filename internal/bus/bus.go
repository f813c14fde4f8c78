// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus is the in-process event bus coordinating the engine.
//
// It implements the contract the engine requires from a durable-function
// runtime: typed events with at-least-once delivery and per-subscription
// deduplication, per-handler concurrency ceilings, retry budgets with
// exponential backoff, a cancellable sleep primitive, and minute-aligned
// cron ticks. Handlers are logically single-threaded per invocation; the
// bus runs many invocations concurrently.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/pkg/errors"
)

// dedupWindow bounds the per-subscription duplicate-detection memory.
const dedupWindow = 4096

// Handler processes one event invocation. Returning an error triggers a
// retry unless the error is marked permanent or the budget is exhausted.
type Handler func(ctx context.Context, event Event) error

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	// Name identifies the subscription in logs (e.g., "worker.fetch").
	Name string

	// Worker filters task.ready events on the payload's worker field.
	// Empty matches every event of the subscribed name.
	Worker string

	// Concurrency is the invocation ceiling (default 1).
	Concurrency int

	// Retries is the retry budget after the first attempt (default 0).
	Retries int

	// Backoff is the initial retry delay, doubled per attempt
	// (default 500ms).
	Backoff time.Duration

	// OnExhausted is called once when the handler fails permanently or
	// the retry budget runs out. Workers use it to record the final
	// verdict in the manifest.
	OnExhausted func(ctx context.Context, event Event, err error)
}

type subscription struct {
	opts    SubscribeOptions
	handler Handler
	slots   chan struct{}

	mu    sync.Mutex
	seen  map[string]bool
	order []string
}

// markSeen records an event id and reports whether it was already seen.
func (s *subscription) markSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[id] {
		return true
	}
	s.seen[id] = true
	s.order = append(s.order, id)
	if len(s.order) > dedupWindow {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
	return false
}

// Bus is the in-process event bus.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool

	wg sync.WaitGroup
}

// New creates a bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: log.WithComponent(logger, "bus"),
		subs:   make(map[string][]*subscription),
	}
}

// Subscribe registers a handler for the named event. Subscriptions must be
// registered before the first matching Publish; there is no replay.
func (b *Bus) Subscribe(eventName string, opts SubscribeOptions, handler Handler) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Name == "" {
		opts.Name = eventName
	}

	sub := &subscription{
		opts:    opts,
		handler: handler,
		slots:   make(chan struct{}, opts.Concurrency),
		seen:    make(map[string]bool),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventName] = append(b.subs[eventName], sub)
}

// Publish delivers an event to every matching subscription. Delivery is
// asynchronous; Publish never blocks on handler execution. An event id is
// assigned when absent.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Warn("event dropped after shutdown", slog.String(log.EventKey, event.Name))
		return
	}
	subs := b.subs[event.Name]
	b.mu.RUnlock()

	for _, sub := range subs {
		if !matches(sub, event) {
			continue
		}
		if sub.markSeen(event.ID) {
			b.logger.Debug("duplicate event ignored",
				slog.String(log.EventKey, event.Name),
				slog.String("event_id", event.ID),
				slog.String("subscription", sub.opts.Name))
			continue
		}

		b.wg.Add(1)
		go b.deliver(ctx, sub, event)
	}
}

// matches applies the worker filter for task.ready fan-out.
func matches(sub *subscription, event Event) bool {
	if sub.opts.Worker == "" {
		return true
	}
	payload, ok := event.Payload.(TaskReadyPayload)
	if !ok {
		return false
	}
	return payload.Worker == sub.opts.Worker
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, event Event) {
	defer b.wg.Done()

	select {
	case sub.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-sub.slots }()

	backoff := sub.opts.Backoff
	for attempt := 0; ; attempt++ {
		err := sub.handler(ctx, event)
		if err == nil {
			return
		}

		if errors.IsPermanent(err) || attempt >= sub.opts.Retries {
			b.logger.Error("handler failed",
				slog.String(log.EventKey, event.Name),
				slog.String("subscription", sub.opts.Name),
				slog.Int("attempts", attempt+1),
				slog.Any("error", err))
			if sub.opts.OnExhausted != nil {
				sub.opts.OnExhausted(ctx, event, err)
			}
			return
		}

		b.logger.Warn("handler retrying",
			slog.String(log.EventKey, event.Name),
			slog.String("subscription", sub.opts.Name),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))

		if err := b.Sleep(ctx, backoff); err != nil {
			return
		}
		backoff *= 2
	}
}

// Sleep waits for the given duration or until the context is cancelled.
// COUNTDOWN steps wait through this primitive so that shutdown interrupts
// them promptly.
func (b *Bus) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cron invokes fn once per interval, aligned to wall-clock boundaries of
// that interval (the scheduler uses one-minute ticks aligned to minute
// boundaries). Cron blocks until the context is cancelled.
func (b *Bus) Cron(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	for {
		now := time.Now()
		next := now.Truncate(interval).Add(interval)
		if err := b.Sleep(ctx, next.Sub(now)); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		fn(next)
	}
}

// Shutdown stops accepting events and waits for in-flight handlers, or
// until the context expires.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
