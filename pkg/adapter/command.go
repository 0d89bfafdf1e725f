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

package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/rdwr-taly/container-control/api"
	"github.com/rdwr-taly/container-control/internal/logging"
)

const (
	defaultReadinessTimeout = 30 * time.Second
	stopGracePeriod         = 5 * time.Second
)

func init() {
	Register("command", NewCommand)
}

// Command launches a configured argv as the workload process. The process
// runs in its own group; stop signals the whole group with SIGTERM and
// escalates to SIGKILL after a grace period. An optional readiness URL is
// polled with exponential backoff before start is considered successful.
//
// Settings:
//
//	command:           argv, required
//	readiness_url:     optional HTTP URL that must answer 2xx
//	readiness_timeout: optional Go duration, default 30s
//
// A start payload may carry an "env" mapping of extra environment variables
// for the process; the rest of the payload is workload-defined and ignored.
type Command struct {
	api.BaseAdapter

	argv             []string
	readinessURL     string
	readinessTimeout time.Duration
	log              *logging.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	waitDone  chan struct{}
	startedAt time.Time
}

// NewCommand is the Factory for the built-in "command" adapter.
func NewCommand(settings map[string]any) (api.Adapter, error) {
	argv, err := stringSlice(settings["command"])
	if err != nil || len(argv) == 0 {
		return nil, errors.New("command adapter: settings.command must be a non-empty string list")
	}
	c := &Command{
		argv:             argv,
		readinessTimeout: defaultReadinessTimeout,
		log:              logging.New("adapter.command", nil),
	}
	if u, ok := settings["readiness_url"].(string); ok {
		c.readinessURL = u
	}
	if d, ok := settings["readiness_timeout"].(string); ok {
		t, err := time.ParseDuration(d)
		if err != nil {
			return nil, fmt.Errorf("command adapter: bad readiness_timeout,%w", err)
		}
		c.readinessTimeout = t
	}
	return c, nil
}

func stringSlice(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, it := range vv {
			s, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("element %v is not a string", it)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%v is not a string list", v)
}

func (c *Command) Start(ctx context.Context, payload api.Payload, ensureUser api.CommandWrapper) (any, error) {
	argv := ensureUser(c.argv)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), payloadEnv(payload)...)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %q failed,%w", argv[0], err)
	}

	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		if err := cmd.Wait(); err != nil {
			c.log.Warnf("workload process exited: %v", err)
		}
	}()

	if c.readinessURL != "" {
		if err := c.awaitReady(ctx); err != nil {
			c.killGroup(cmd, waitDone)
			return nil, fmt.Errorf("workload never became ready,%w", err)
		}
	}

	c.mu.Lock()
	c.cmd = cmd
	c.waitDone = waitDone
	c.startedAt = time.Now()
	c.mu.Unlock()
	return cmd, nil
}

func payloadEnv(payload api.Payload) []string {
	env, ok := payload["env"].(map[string]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%v", k, v))
	}
	return out
}

func (c *Command) awaitReady(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = c.readinessTimeout
	return backoff.Retry(func() error {
		resp, err := http.Get(c.readinessURL)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("readiness probe answered %d", resp.StatusCode)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

func (c *Command) Stop(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	waitDone := c.waitDone
	c.cmd = nil
	c.waitDone = nil
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	c.killGroup(cmd, waitDone)
	return nil
}

// killGroup terminates the process group, escalating after the grace period.
func (c *Command) killGroup(cmd *exec.Cmd, waitDone chan struct{}) {
	pgid := -cmd.Process.Pid
	_ = unix.Kill(pgid, unix.SIGTERM)
	select {
	case <-waitDone:
	case <-time.After(stopGracePeriod):
		c.log.Warnf("workload ignored SIGTERM, sending SIGKILL")
		_ = unix.Kill(pgid, unix.SIGKILL)
		<-waitDone
	}
}

func (c *Command) Metrics(ctx context.Context) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return map[string]any{"running": false}
	}
	return map[string]any{
		"running":        true,
		"pid":            c.cmd.Process.Pid,
		"uptime_seconds": int64(time.Since(c.startedAt).Seconds()),
	}
}

func (c *Command) PrometheusMetrics() []string {
	running := 0
	c.mu.Lock()
	if c.cmd != nil {
		running = 1
	}
	c.mu.Unlock()
	return []string{
		"# HELP workload_process_running Whether the workload process is running",
		fmt.Sprintf("workload_process_running %d", running),
	}
}
