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

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/rdwr-taly/container-control/api"
)

// fakeAdapter records every call the orchestrator makes into it.
type fakeAdapter struct {
	mu             sync.Mutex
	startCalls     int
	stopCalls      int
	preHookCalls   int
	postHookCalls  int
	startedPayload api.Payload
	wrappedCmd     []string

	startDelay time.Duration
	startErr   error
	stopErr    error
	updateFn   func(payload api.Payload) (bool, error)
	onStart    func()
}

func (f *fakeAdapter) Start(ctx context.Context, payload api.Payload, ensureUser api.CommandWrapper) (any, error) {
	if f.startDelay > 0 {
		time.Sleep(f.startDelay)
	}
	if f.onStart != nil {
		f.onStart()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.startedPayload = payload
	f.wrappedCmd = ensureUser([]string{"dummy"})
	if f.startErr != nil {
		return nil, f.startErr
	}
	return "handle", nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeAdapter) Update(ctx context.Context, payload api.Payload) (bool, error) {
	if f.updateFn == nil {
		return false, api.ErrUpdateUnsupported
	}
	return f.updateFn(payload)
}

func (f *fakeAdapter) Metrics(ctx context.Context) map[string]any {
	return map[string]any{"fake": true}
}

func (f *fakeAdapter) PrometheusMetrics() []string { return []string{"fake_metric 1"} }

func (f *fakeAdapter) PreStartHooks(ctx context.Context, payload api.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preHookCalls++
	return nil
}

func (f *fakeAdapter) PostStopHooks(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postHookCalls++
	return nil
}

func (f *fakeAdapter) snapshot() fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeAdapter{
		startCalls:     f.startCalls,
		stopCalls:      f.stopCalls,
		preHookCalls:   f.preHookCalls,
		postHookCalls:  f.postHookCalls,
		startedPayload: f.startedPayload,
		wrappedCmd:     f.wrappedCmd,
	}
}

type OrchestratorTestSuite struct {
	suite.Suite
}

func TestOrchestratorTestSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorTestSuite))
}

func (s *OrchestratorTestSuite) newOrchestrator(f *fakeAdapter) *Orchestrator {
	o, err := New(Config{Adapter: f, PrimaryKey: "payload"})
	s.Require().NoError(err)
	s.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func (s *OrchestratorTestSuite) awaitStatus(o *Orchestrator, want WorkloadStatus) {
	s.Require().Eventually(func() bool { return o.Status() == want },
		2*time.Second, 5*time.Millisecond, "expected status %s", want)
}

func (s *OrchestratorTestSuite) TestStartMissingPrimaryKey() {
	f := &fakeAdapter{}
	o := s.newOrchestrator(f)

	// drive away from the constructor's initial state first, so an
	// erroneous transition would actually be visible
	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 1}))
	s.awaitStatus(o, StatusRunning)
	s.True(o.Stop(context.Background()))
	s.awaitStatus(o, StatusStopped)

	err := o.Start(context.Background(), api.Payload{"other": 1})
	s.Require().ErrorIs(err, ErrMissingPrimaryKey)
	s.Equal(StatusStopped, o.Status())
	time.Sleep(20 * time.Millisecond)
	s.Equal(1, f.snapshot().startCalls)
}

func (s *OrchestratorTestSuite) TestStartReachesRunning() {
	f := &fakeAdapter{}
	o := s.newOrchestrator(f)

	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 1}))
	s.awaitStatus(o, StatusRunning)

	snap := f.snapshot()
	s.Equal(1, snap.startCalls)
	s.Equal(1, snap.preHookCalls)
	s.Equal(api.Payload{"payload": 1}, snap.startedPayload)
	s.Equal([]string{"dummy"}, snap.wrappedCmd)
	s.Equal("handle", o.Handle())
}

func (s *OrchestratorTestSuite) TestStartFailureSetsError() {
	f := &fakeAdapter{startErr: errors.New("spawn failed")}
	o := s.newOrchestrator(f)

	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 1}))
	s.awaitStatus(o, StatusError)
	s.Nil(o.Handle())
}

func (s *OrchestratorTestSuite) TestStartUsesConfiguredWrapper() {
	f := &fakeAdapter{}
	o, err := New(Config{
		Adapter:    f,
		PrimaryKey: "payload",
		EnsureUser: func(cmd []string) []string { return append([]string{"sudo"}, cmd...) },
	})
	s.Require().NoError(err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	}()

	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 1}))
	s.awaitStatus(o, StatusRunning)
	s.Equal([]string{"sudo", "dummy"}, f.snapshot().wrappedCmd)
}

func (s *OrchestratorTestSuite) TestStopWhenNotRunning() {
	f := &fakeAdapter{}
	o := s.newOrchestrator(f)

	s.False(o.Stop(context.Background()))
	time.Sleep(20 * time.Millisecond)
	s.Equal(0, f.snapshot().stopCalls)
}

func (s *OrchestratorTestSuite) TestStopCycle() {
	f := &fakeAdapter{}
	o := s.newOrchestrator(f)

	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 1}))
	s.awaitStatus(o, StatusRunning)

	s.True(o.Stop(context.Background()))
	s.awaitStatus(o, StatusStopped)

	snap := f.snapshot()
	s.Equal(1, snap.stopCalls)
	s.Equal(1, snap.postHookCalls)
	s.Nil(o.Handle())
}

func (s *OrchestratorTestSuite) TestStopFailureSetsError() {
	f := &fakeAdapter{stopErr: errors.New("will not die")}
	o := s.newOrchestrator(f)

	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 1}))
	s.awaitStatus(o, StatusRunning)

	s.True(o.Stop(context.Background()))
	s.awaitStatus(o, StatusError)
}

func (s *OrchestratorTestSuite) TestUpdateWhenNotRunning() {
	f := &fakeAdapter{updateFn: func(api.Payload) (bool, error) {
		s.FailNow("adapter update must not be invoked")
		return false, nil
	}}
	o := s.newOrchestrator(f)

	_, err := o.Update(context.Background(), api.Payload{"ok": true})
	s.Require().ErrorIs(err, ErrNotRunning)
}

func (s *OrchestratorTestSuite) TestUpdateOutcomes() {
	f := &fakeAdapter{updateFn: func(p api.Payload) (bool, error) {
		ok, _ := p["ok"].(bool)
		return ok, nil
	}}
	o := s.newOrchestrator(f)

	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 1}))
	s.awaitStatus(o, StatusRunning)

	outcome, err := o.Update(context.Background(), api.Payload{"ok": true})
	s.Require().NoError(err)
	s.Equal(UpdateApplied, outcome)

	outcome, err = o.Update(context.Background(), api.Payload{"ok": false})
	s.Require().NoError(err)
	s.Equal(UpdateDeclined, outcome)

	f.updateFn = func(api.Payload) (bool, error) { return false, api.ErrUpdateUnsupported }
	outcome, err = o.Update(context.Background(), api.Payload{})
	s.Require().NoError(err)
	s.Equal(UpdateUnsupported, outcome)

	f.updateFn = func(api.Payload) (bool, error) { return false, errors.New("boom") }
	outcome, err = o.Update(context.Background(), api.Payload{})
	s.Equal(UpdateFailed, outcome)
	s.Require().ErrorContains(err, "boom")
	s.Equal(StatusRunning, o.Status())
}

func (s *OrchestratorTestSuite) TestRestartSwapsWorkload() {
	f := &fakeAdapter{}
	o := s.newOrchestrator(f)

	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 1}))
	s.awaitStatus(o, StatusRunning)

	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 2}))
	s.awaitStatus(o, StatusRunning)
	s.Require().Eventually(func() bool { return f.snapshot().startCalls == 2 },
		2*time.Second, 5*time.Millisecond)

	snap := f.snapshot()
	s.Equal(1, snap.stopCalls)
	s.Equal(api.Payload{"payload": 2}, snap.startedPayload)
}

func (s *OrchestratorTestSuite) TestOverlappingStarts() {
	f := &fakeAdapter{startDelay: 30 * time.Millisecond}
	o := s.newOrchestrator(f)

	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 1}))
	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 2}))

	s.awaitStatus(o, StatusRunning)
	s.Require().Eventually(func() bool {
		snap := f.snapshot()
		p, _ := snap.startedPayload["payload"].(int)
		return snap.startCalls == 2 && p == 2
	}, 2*time.Second, 5*time.Millisecond)

	// the superseded first start must have been shut down
	s.GreaterOrEqual(f.snapshot().stopCalls, 1)
	s.Equal(StatusRunning, o.Status())
}

// TestReorderedStartTasks replays the schedule where two start requests race
// on the way to the worker: the second request's task runs first, then the
// first request's task arrives late. The late task must not touch the
// adapter, and the fresh workload must stay published.
func (s *OrchestratorTestSuite) TestReorderedStartTasks() {
	f := &fakeAdapter{}
	o := s.newOrchestrator(f)

	o.mu.Lock()
	o.gen++
	gen1 := o.gen
	o.gen++
	gen2 := o.gen
	o.mu.Unlock()

	o.runStart(gen2, api.Payload{"payload": 2})
	o.runStart(gen1, api.Payload{"payload": 1})

	s.Equal(StatusRunning, o.Status())
	s.NotNil(o.Handle())

	snap := f.snapshot()
	s.Equal(1, snap.startCalls)
	s.Equal(0, snap.stopCalls)
	s.Equal(api.Payload{"payload": 2}, snap.startedPayload)
}

// TestReorderedStopTask replays a stop request whose task arrives after a
// newer start already ran; it must not stop the fresh workload.
func (s *OrchestratorTestSuite) TestReorderedStopTask() {
	f := &fakeAdapter{}
	o := s.newOrchestrator(f)

	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 1}))
	s.awaitStatus(o, StatusRunning)

	o.mu.Lock()
	o.gen++
	stopGen := o.gen
	o.gen++
	startGen := o.gen
	o.mu.Unlock()

	o.runStart(startGen, api.Payload{"payload": 2})
	o.runStop(stopGen)

	s.Equal(StatusRunning, o.Status())
	s.NotNil(o.Handle())

	snap := f.snapshot()
	// exactly one stop: the restart swap inside the newer start task
	s.Equal(1, snap.stopCalls)
	s.Equal(api.Payload{"payload": 2}, snap.startedPayload)
}

// TestSupersededStartRunsPostStopHooks covers a start overtaken while its
// adapter call was in flight: the orphaned workload gets the full stop
// sequence, post-stop hooks included.
func (s *OrchestratorTestSuite) TestSupersededStartRunsPostStopHooks() {
	f := &fakeAdapter{}
	o := s.newOrchestrator(f)

	o.mu.Lock()
	o.gen++
	gen := o.gen
	o.mu.Unlock()

	f.onStart = func() {
		o.mu.Lock()
		o.gen++
		o.mu.Unlock()
	}

	o.runStart(gen, api.Payload{"payload": 1})

	s.Nil(o.Handle())
	snap := f.snapshot()
	s.Equal(1, snap.startCalls)
	s.Equal(1, snap.stopCalls)
	s.Equal(1, snap.postHookCalls)
}

func (s *OrchestratorTestSuite) TestTransitionJournal() {
	f := &fakeAdapter{}
	o := s.newOrchestrator(f)

	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 1}))
	s.awaitStatus(o, StatusRunning)
	s.True(o.Stop(context.Background()))
	s.awaitStatus(o, StatusStopped)

	events := o.Transitions()
	s.Require().NotEmpty(events)
	last := events[len(events)-1]
	s.Equal(StatusRunning, last.From)
	s.Equal(StatusStopped, last.To)
}

func (s *OrchestratorTestSuite) TestShutdownStopsRunningWorkload() {
	f := &fakeAdapter{}
	o, err := New(Config{Adapter: f, PrimaryKey: "payload"})
	s.Require().NoError(err)

	s.Require().NoError(o.Start(context.Background(), api.Payload{"payload": 1}))
	s.awaitStatus(o, StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Require().NoError(o.Shutdown(ctx))
	s.Equal(StatusStopped, o.Status())
	s.Equal(1, f.snapshot().stopCalls)

	s.Require().ErrorIs(o.Start(context.Background(), api.Payload{"payload": 1}), ErrClosed)
}

func TestNewRequiresAdapterAndKey(t *testing.T) {
	if _, err := New(Config{PrimaryKey: "payload"}); err == nil {
		t.Fatal("expected error without adapter")
	}
	if _, err := New(Config{Adapter: &fakeAdapter{}}); err == nil {
		t.Fatal("expected error without primary key")
	}
}
