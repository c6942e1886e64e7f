// Package worker runs the claim loop: register a heartbeat, pull attempts
// off the queue, hand them to the judging pipeline and classify whatever
// comes back.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lerna-cp/tester/config"
	"github.com/lerna-cp/tester/emit"
	"github.com/lerna-cp/tester/judge"
	"github.com/lerna-cp/tester/metrics"
	"github.com/lerna-cp/tester/store"
)

// Lifecycle carries the signal-driven intents into the worker loop.
//
// Signal handlers only flip flags and poke the wake channel; the loop
// observes them at safe points, never mid-attempt.
type Lifecycle struct {
	restart   atomic.Bool
	terminate atomic.Bool
	wake      chan struct{}
}

// NewLifecycle returns a lifecycle with no pending intents.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{wake: make(chan struct{}, 1)}
}

// RequestRestart asks the worker to finish the current attempt, tear down
// and start over with a freshly loaded configuration.
func (l *Lifecycle) RequestRestart() {
	l.restart.Store(true)
	l.notify()
}

// RequestShutdown asks the worker to finish the current attempt and exit.
// Returns true on the first call, false on repeats, so the caller can
// escalate a second request to an immediate exit.
func (l *Lifecycle) RequestShutdown() bool {
	first := l.terminate.CompareAndSwap(false, true)
	l.restart.Store(true)
	l.notify()
	return first
}

// RestartPending reports whether the loop should stop claiming. Set by
// both restart and shutdown requests.
func (l *Lifecycle) RestartPending() bool {
	return l.restart.Load()
}

// Terminating reports whether a shutdown, rather than a restart, is
// pending.
func (l *Lifecycle) Terminating() bool {
	return l.terminate.Load()
}

// ClearRestart rearms the loop for another run. Called between restarts;
// a pending shutdown survives it.
func (l *Lifecycle) ClearRestart() {
	l.restart.Store(l.terminate.Load())
}

// Sleep pauses for d, returning early when a lifecycle request or context
// cancellation arrives.
func (l *Lifecycle) Sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-l.wake:
	case <-ctx.Done():
	}
}

func (l *Lifecycle) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Judger is the judging pipeline as the loop sees it.
type Judger interface {
	Process(ctx context.Context, att *store.Attempt) error
}

// Params wires one worker run.
type Params struct {
	Config    *config.Config
	Store     store.Store
	Judge     Judger
	Lifecycle *Lifecycle
	Name      string
	Emitter   emit.Emitter
	Metrics   *metrics.Metrics
}

// Run registers the worker and claims attempts until a restart or
// shutdown is requested or the context is cancelled.
//
// A nil return means the loop stopped on request; an error means the
// worker hit a failure it cannot judge around (the store is gone, or the
// pipeline failed in a non-recoverable way).
func Run(ctx context.Context, p Params) error {
	if p.Emitter == nil {
		p.Emitter = emit.NewNullEmitter()
	}

	workerID, err := p.Store.RegisterWorker(ctx)
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	defer func() {
		// The loop context may already be cancelled; deregistration gets
		// its own deadline.
		cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Store.Unregister(cleanup, workerID); err != nil {
			p.Emitter.Emit(emit.Event{Msg: "unregister_failed",
				Meta: map[string]interface{}{"error": err.Error()}})
		}
	}()
	p.Emitter.Emit(emit.Event{Msg: "worker_started",
		Meta: map[string]interface{}{"name": p.Name, "worker_id": workerID}})

	claim := store.ClaimRequest{
		TesterName:    p.Name,
		InitialResult: "Queued",
		Compilers:     p.Config.Exec.Compilers.Codenames(),
		Runners:       p.Config.Exec.Runners.Codenames(),
		RequeueAfter:  time.Duration(p.Config.Behaviour.RequeueAfter) * time.Second,
	}
	interval := time.Duration(p.Config.Behaviour.Interval) * time.Second

	for !p.Lifecycle.RestartPending() && ctx.Err() == nil {
		if err := p.Store.Heartbeat(ctx, workerID); err != nil {
			return fmt.Errorf("failed to heartbeat: %w", err)
		}
		p.Metrics.SetHeartbeat(time.Now())

		att, err := p.Store.ClaimNext(ctx, claim)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if att == nil {
			p.Metrics.IncQueuePoll()
			p.Lifecycle.Sleep(ctx, interval)
			continue
		}

		switch err := p.Judge.Process(ctx, att); {
		case err == nil:
		case judge.IsRecoverable(err):
			// The attempt stays in its last transient state; another worker
			// (or this one, later) may succeed where the problem package is
			// fixed up meanwhile.
			p.Emitter.Emit(emit.Event{AttemptID: att.ID, Msg: "recoverable_error",
				Meta: map[string]interface{}{"error": err.Error()}})
			p.Metrics.RecordAttempt("recoverable_error")
		case ctx.Err() != nil:
			p.Emitter.Emit(emit.Event{AttemptID: att.ID, Msg: "interrupted"})
			return nil
		default:
			p.Emitter.Emit(emit.Event{AttemptID: att.ID, Msg: "fatal_error",
				Meta: map[string]interface{}{"error": err.Error()}})
			p.Metrics.RecordAttempt("system_error")
			// Best effort; the store may be the thing that failed.
			cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = p.Store.UpdateResult(cleanup, att.ID, store.ResultUpdate{Result: "System error"})
			cancel()
			return err
		}
	}
	return nil
}
