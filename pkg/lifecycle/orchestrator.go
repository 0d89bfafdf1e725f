/*
 * Copyright 2025 Container Control Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package lifecycle implements the workload lifecycle orchestrator: the state
// machine driving start/stop/update/restart against a single adapter instance.
//
// Background transitions are serialized. Each start or stop request is
// enqueued and executed by a one-worker pool, and every task carries a
// generation token: a task that reaches the worker after a newer generation
// was requested is skipped before it touches the adapter, and a start
// superseded while its adapter call was in flight stops the workload it just
// launched instead of publishing it. A dedicated adapter mutex guarantees that
// adapter methods are never reentered concurrently, including by the
// synchronous update path.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/rdwr-taly/container-control/api"
	"github.com/rdwr-taly/container-control/internal/logging"
)

var (
	// ErrMissingPrimaryKey reports a start payload without the configured
	// primary key. The workload state is left untouched.
	ErrMissingPrimaryKey = errors.New("missing primary payload key")

	// ErrNotRunning reports an update attempted while the workload is not
	// running.
	ErrNotRunning = errors.New("workload not running")

	// ErrClosed reports an operation on an orchestrator that has been shut
	// down.
	ErrClosed = errors.New("orchestrator closed")
)

// UpdateOutcome is the four-way result of a live update attempt.
type UpdateOutcome int

const (
	// UpdateApplied means the adapter accepted and applied the change.
	UpdateApplied UpdateOutcome = iota
	// UpdateDeclined means the adapter understood the request but chose not
	// to apply it.
	UpdateDeclined
	// UpdateUnsupported means the adapter does not implement live updates.
	UpdateUnsupported
	// UpdateFailed means the adapter errored; the underlying error is
	// returned alongside.
	UpdateFailed
)

const transitionQueueDepth = 64

// Config carries the orchestrator's immutable bootstrap settings.
type Config struct {
	// Adapter is the single workload adapter instance. Required.
	Adapter api.Adapter

	// PrimaryKey is the payload field every start request must carry.
	// Required.
	PrimaryKey string

	// EnsureUser wraps commands the adapter spawns. Defaults to the
	// identity wrapper.
	EnsureUser api.CommandWrapper

	// JournalCapacity bounds the in-memory transition journal.
	JournalCapacity int64

	// TracerProvider and MeterProvider default to no-op implementations.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	Log *logging.Logger
}

// Orchestrator owns the workload status and handle and coordinates every
// transition against the adapter. Construct with New; one per process.
type Orchestrator struct {
	adapter    api.Adapter
	primaryKey string
	ensureUser api.CommandWrapper
	log        *logging.Logger

	// tasks preserves submission order; pool executes one task at a time.
	tasks chan func()
	quit  chan struct{}
	pool  *ants.Pool

	// mu guards status, handle and gen as one unit so readers never observe
	// a half-written transition.
	mu     sync.RWMutex
	status WorkloadStatus
	handle any
	gen    uint64
	closed bool

	// adapterMu serializes every call sequence into the adapter.
	adapterMu sync.Mutex

	journal     *journal
	tracer      trace.Tracer
	transitions metric.Int64Counter

	closeOnce sync.Once
}

// New builds an orchestrator in the initializing state and starts its
// transition dispatcher.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("lifecycle: adapter is required")
	}
	if cfg.PrimaryKey == "" {
		return nil, errors.New("lifecycle: primary payload key is required")
	}
	if cfg.EnsureUser == nil {
		cfg.EnsureUser = func(cmd []string) []string { return cmd }
	}
	if cfg.Log == nil {
		cfg.Log = logging.New("lifecycle", nil)
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}

	pool, err := ants.NewPool(1)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: create transition pool failed,%w", err)
	}
	transitions, err := mp.Meter("container-control/lifecycle").Int64Counter(
		"workload_transitions_total",
		metric.WithDescription("Number of workload status transitions."),
	)
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("lifecycle: create transition counter failed,%w", err)
	}

	o := &Orchestrator{
		adapter:     cfg.Adapter,
		primaryKey:  cfg.PrimaryKey,
		ensureUser:  cfg.EnsureUser,
		log:         cfg.Log,
		tasks:       make(chan func(), transitionQueueDepth),
		quit:        make(chan struct{}),
		pool:        pool,
		status:      StatusInitializing,
		journal:     newJournal(cfg.JournalCapacity),
		tracer:      tp.Tracer("container-control/lifecycle"),
		transitions: transitions,
	}
	go o.dispatch()
	return o, nil
}

func (o *Orchestrator) dispatch() {
	for {
		select {
		case task := <-o.tasks:
			// Submit blocks while the single worker is busy, so tasks run
			// strictly in enqueue order.
			if err := o.pool.Submit(task); err != nil {
				o.log.Errorf("transition task rejected: %v", err)
			}
		case <-o.quit:
			return
		}
	}
}

// Status returns the current workload status.
func (o *Orchestrator) Status() WorkloadStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Handle returns the stored opaque handle, nil when no workload is running.
func (o *Orchestrator) Handle() any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.handle
}

// Transitions returns the recorded transition events, oldest first.
func (o *Orchestrator) Transitions() []TransitionEvent {
	return o.journal.recent()
}

// AdapterMetrics exposes the adapter's metrics mapping for the aggregator.
func (o *Orchestrator) AdapterMetrics(ctx context.Context) map[string]any {
	m := o.adapter.Metrics(ctx)
	if m == nil {
		return map[string]any{}
	}
	return m
}

// AdapterPrometheusMetrics exposes the adapter's exposition lines.
func (o *Orchestrator) AdapterPrometheusMetrics() []string {
	return o.adapter.PrometheusMetrics()
}

// Start validates the payload and initiates an asynchronous start. The
// status is set to initializing before Start returns, so a caller polling
// health immediately afterwards never sees the stale previous state. If a
// workload is already running, the background task stops it first and the
// whole swap happens within the same transition pass.
func (o *Orchestrator) Start(ctx context.Context, payload api.Payload) error {
	if _, ok := payload[o.primaryKey]; !ok {
		return fmt.Errorf("%w: %q", ErrMissingPrimaryKey, o.primaryKey)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.setStatusLocked(StatusInitializing, "start requested")
	o.gen++
	gen := o.gen
	o.mu.Unlock()

	o.tasks <- func() { o.runStart(gen, payload) }
	return nil
}

// Stop initiates an asynchronous stop. It reports false, without touching
// the adapter, when the workload is not running.
func (o *Orchestrator) Stop(ctx context.Context) bool {
	o.mu.Lock()
	if o.closed || o.status != StatusRunning {
		o.mu.Unlock()
		return false
	}
	o.gen++
	gen := o.gen
	o.mu.Unlock()

	o.tasks <- func() { o.runStop(gen) }
	return true
}

// Update applies a live configuration change synchronously. The caller
// waits for the adapter, unlike start and stop. Only valid while running.
func (o *Orchestrator) Update(ctx context.Context, payload api.Payload) (UpdateOutcome, error) {
	o.mu.RLock()
	st := o.status
	o.mu.RUnlock()
	if st != StatusRunning {
		return UpdateFailed, ErrNotRunning
	}

	o.adapterMu.Lock()
	applied, err := o.adapter.Update(ctx, payload)
	o.adapterMu.Unlock()

	switch {
	case errors.Is(err, api.ErrUpdateUnsupported):
		return UpdateUnsupported, nil
	case err != nil:
		return UpdateFailed, fmt.Errorf("adapter update failed,%w", err)
	case applied:
		return UpdateApplied, nil
	default:
		return UpdateDeclined, nil
	}
}

// Shutdown performs a best-effort synchronous stop of a running workload,
// bounded by ctx, and releases the orchestrator. Used on process
// termination; if the adapter's stop outlives ctx the process exits anyway.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.mu.RLock()
		running := o.status == StatusRunning
		o.mu.RUnlock()
		if !running {
			return
		}
		o.adapterMu.Lock()
		defer o.adapterMu.Unlock()
		if err := o.stopAdapter(ctx); err != nil {
			o.log.Errorf("shutdown stop failed: %v", err)
			o.transitionTo(StatusError, "shutdown stop failed")
			return
		}
		o.mu.Lock()
		o.handle = nil
		o.setStatusLocked(StatusStopped, "shutdown")
		o.mu.Unlock()
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warnf("shutdown stop still in flight, abandoning: %v", ctx.Err())
		err = ctx.Err()
	}
	o.close()
	return err
}

func (o *Orchestrator) close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()
		close(o.quit)
		o.pool.Release()
	})
}

// runStart is the background phase of Start. Failures are logged and
// recorded in the status only; the initiating request has already returned.
func (o *Orchestrator) runStart(gen uint64, payload api.Payload) {
	// Gen assignment and channel submission are separate steps, so a task can
	// reach the worker after a later generation already ran. Such a task must
	// not touch the adapter at all.
	if o.stale(gen) {
		o.log.Warnf("skipping superseded start task")
		return
	}

	ctx, span := o.tracer.Start(context.Background(), "workload.start")
	defer span.End()

	o.adapterMu.Lock()
	defer o.adapterMu.Unlock()

	// Restart: swap out the previous workload within the same pass.
	o.mu.RLock()
	prior := o.handle != nil
	o.mu.RUnlock()
	if prior {
		if err := o.stopAdapter(ctx); err != nil {
			o.log.Errorf("stop before restart failed: %v", err)
			o.transitionTo(StatusError, "restart stop failed")
			return
		}
		o.mu.Lock()
		o.handle = nil
		o.mu.Unlock()
	}

	if err := o.adapter.PreStartHooks(ctx, payload); err != nil {
		o.log.Errorf("pre-start hooks failed: %v", err)
		o.transitionTo(StatusError, "pre-start hooks failed")
		return
	}
	handle, err := o.adapter.Start(ctx, payload, o.ensureUser)
	if err != nil {
		o.log.Errorf("adapter start failed: %v", err)
		o.transitionTo(StatusError, "adapter start failed")
		return
	}

	o.mu.Lock()
	if gen != o.gen {
		// A newer transition was requested while this start was in flight.
		// Its task runs after us; hand it a clean slate instead of
		// publishing a handle from the wrong generation.
		o.mu.Unlock()
		o.log.Warnf("start superseded, stopping orphaned workload")
		if err := o.stopAdapter(ctx); err != nil {
			o.log.Errorf("stop of orphaned workload failed: %v", err)
		}
		return
	}
	o.handle = handle
	o.setStatusLocked(StatusRunning, "adapter started")
	o.mu.Unlock()
}

// runStop is the background phase of Stop.
func (o *Orchestrator) runStop(gen uint64) {
	if o.stale(gen) {
		o.log.Warnf("skipping superseded stop task")
		return
	}

	ctx, span := o.tracer.Start(context.Background(), "workload.stop")
	defer span.End()

	o.adapterMu.Lock()
	defer o.adapterMu.Unlock()

	if err := o.stopAdapter(ctx); err != nil {
		o.log.Errorf("adapter stop failed: %v", err)
		o.transitionTo(StatusError, "adapter stop failed")
		return
	}

	o.mu.Lock()
	o.handle = nil
	if gen == o.gen {
		o.setStatusLocked(StatusStopped, "adapter stopped")
	}
	o.mu.Unlock()
}

// stale reports whether a newer transition has been requested since gen was
// assigned.
func (o *Orchestrator) stale(gen uint64) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return gen != o.gen
}

// stopAdapter runs the stop call and post-stop hooks. Callers hold adapterMu.
func (o *Orchestrator) stopAdapter(ctx context.Context) error {
	if err := o.adapter.Stop(ctx); err != nil {
		return fmt.Errorf("adapter stop failed,%w", err)
	}
	if err := o.adapter.PostStopHooks(ctx); err != nil {
		return fmt.Errorf("post-stop hooks failed,%w", err)
	}
	return nil
}

// setStatusLocked records and publishes a transition. Callers hold mu.
func (o *Orchestrator) setStatusLocked(to WorkloadStatus, reason string) {
	if o.status == to {
		return
	}
	o.journal.record(TransitionEvent{From: o.status, To: to, Reason: reason, At: time.Now().UTC()})
	o.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("to", to.String())))
	o.log.Infof("workload %s -> %s (%s)", o.status, to, reason)
	o.status = to
}

// transitionTo is setStatusLocked for callers not holding mu.
func (o *Orchestrator) transitionTo(to WorkloadStatus, reason string) {
	o.mu.Lock()
	o.setStatusLocked(to, reason)
	o.mu.Unlock()
}
