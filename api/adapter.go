// Package api defines the public contracts between the control plane and
// workload adapters.
package api

import (
	"context"
	"errors"
)

// ErrUpdateUnsupported is returned by an adapter's Update to signal that it
// does not implement live updates at all, as opposed to declining a
// particular update. The control plane maps the two cases to distinct
// responses.
var ErrUpdateUnsupported = errors.New("live update not supported")

// CommandWrapper optionally rewrites a command vector before execution,
// typically to drop privileges. It must be pure: no side effects, safe to
// call any number of times, including zero.
type CommandWrapper func(cmd []string) []string

// Payload is the opaque request body handed through to the adapter. The
// control plane validates the presence of a single configured key and never
// interprets the rest.
type Payload map[string]any

// Adapter is implemented by every workload plugin. Start and Stop are
// mandatory; everything else has a usable default via BaseAdapter.
//
// The control plane serializes its calls into an Adapter, so implementations
// do not need to be safe for concurrent use by the orchestrator. Start may
// block for a bounded time (subprocess spawn, external handshake); Stop must
// be idempotent and release everything Start acquired.
type Adapter interface {
	// Start launches the workload and returns an opaque handle the control
	// plane stores but never inspects. ensureUser wraps any command the
	// adapter spawns so it runs as the configured unprivileged user.
	Start(ctx context.Context, payload Payload, ensureUser CommandWrapper) (any, error)

	// Stop shuts the workload down. Safe to call when nothing is running.
	Stop(ctx context.Context) error

	// Update applies a configuration change without a stop/start cycle.
	// Return (true, nil) when applied, (false, nil) when declined, or
	// ErrUpdateUnsupported when live updates are not implemented.
	Update(ctx context.Context, payload Payload) (bool, error)

	// Metrics returns workload-specific metrics merged into the structured
	// metrics view. Must not block on the workload.
	Metrics(ctx context.Context) map[string]any

	// PrometheusMetrics returns pre-formatted exposition lines appended
	// verbatim to the /metrics response.
	PrometheusMetrics() []string

	// PreStartHooks runs privileged setup immediately before Start, on the
	// same execution path. A failure aborts the start.
	PreStartHooks(ctx context.Context, payload Payload) error

	// PostStopHooks runs privileged teardown immediately after Stop.
	PostStopHooks(ctx context.Context) error
}

// BaseAdapter supplies the optional capability defaults so a minimal adapter
// only implements Start and Stop. Embed it by value.
type BaseAdapter struct{}

func (BaseAdapter) Update(context.Context, Payload) (bool, error) {
	return false, ErrUpdateUnsupported
}

func (BaseAdapter) Metrics(context.Context) map[string]any { return map[string]any{} }

func (BaseAdapter) PrometheusMetrics() []string { return nil }

func (BaseAdapter) PreStartHooks(context.Context, Payload) error { return nil }

func (BaseAdapter) PostStopHooks(context.Context) error { return nil }
