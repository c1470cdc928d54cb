// Package executor runs state-mutating commands one at a time on a single
// worker goroutine. Every submitted command yields a Future that resolves
// with the command's result after it ran.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/derec-engine/interfaces"
)

// Kind labels a command for logging and metrics.
type Kind int

const (
	KindAddHelpers Kind = iota + 1
	KindRemoveHelpers
	KindUpdate
	KindPeriodicWork
	KindMessageReceived

	// Internal follow-ups: grace timers, send outcomes and read-only queries.
	KindTimer
	KindSendResult
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindAddHelpers:
		return "add_helpers"
	case KindRemoveHelpers:
		return "remove_helpers"
	case KindUpdate:
		return "update"
	case KindPeriodicWork:
		return "periodic_work"
	case KindMessageReceived:
		return "message_received"
	case KindTimer:
		return "timer"
	case KindSendResult:
		return "send_result"
	case KindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Observer is notified after every executed command.
type Observer interface {
	CommandExecuted(kind Kind, err error, took time.Duration)
}

type command struct {
	kind  Kind
	run   func() error
	abort func(error)
}

// Executor is an unbounded FIFO of commands drained by one worker. Commands
// never run concurrently, so the state they touch needs no locking.
//
// A command must not wait on a future of the same executor; it would deadlock.
type Executor struct {
	log      *slog.Logger
	observer Observer

	mu      sync.Mutex
	queue   []command
	signal  chan struct{}
	started bool
	stopped bool

	done chan struct{}
}

func New(log *slog.Logger, observer Observer) *Executor {
	return &Executor{
		log:      log,
		observer: observer,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the worker. Commands submitted before Start are queued.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	go e.loop()
}

// Stop rejects new commands, lets the worker finish the queued ones and waits
// for it to exit or for ctx to be done.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	if !started {
		// Nothing will ever drain the queue.
		e.failPending()
		close(e.done)
		return nil
	}

	e.wake()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued, not yet started commands.
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Submit enqueues fn and returns the future of its result. Panics inside fn
// are recovered and delivered through the future as errors.
func Submit[T any](e *Executor, kind Kind, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	cmd := command{
		kind: kind,
		run: func() (err error) {
			var value T
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("command %s panicked: %v", kind, r)
					var zero T
					value = zero
				}
				f.resolve(value, err)
			}()
			value, err = fn()
			return err
		},
		abort: func(err error) {
			var zero T
			f.resolve(zero, err)
		},
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		var zero T
		f.resolve(zero, interfaces.ErrExecutorStopped)
		return f
	}
	e.queue = append(e.queue, cmd)
	e.mu.Unlock()

	e.wake()
	return f
}

// Do enqueues a command without a result value.
func Do(e *Executor, kind Kind, fn func() error) *Future[struct{}] {
	return Submit(e, kind, func() (struct{}, error) {
		return struct{}{}, fn()
	})
}

func (e *Executor) wake() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Executor) next() (command, bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return command{}, false, e.stopped
	}
	cmd := e.queue[0]
	e.queue[0] = command{}
	e.queue = e.queue[1:]
	return cmd, true, false
}

func (e *Executor) loop() {
	defer close(e.done)
	for {
		cmd, ok, stopped := e.next()
		if stopped {
			return
		}
		if !ok {
			<-e.signal
			continue
		}

		start := time.Now()
		err := cmd.run()
		took := time.Since(start)
		if err != nil {
			e.log.Debug("command failed", "kind", cmd.kind.String(), "err", err)
		}
		if e.observer != nil {
			e.observer.CommandExecuted(cmd.kind, err, took)
		}
	}
}

func (e *Executor) failPending() {
	e.mu.Lock()
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, cmd := range pending {
		cmd.abort(interfaces.ErrExecutorStopped)
	}
}
