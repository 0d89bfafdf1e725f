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

// Package metrics merges host-level resource counters with adapter-reported
// metrics into the two views the control plane serves: a structured JSON
// report and a Prometheus text exposition. Both are sampled on demand; there
// is no caching and no background collection.
package metrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/valyala/bytebufferpool"

	"github.com/rdwr-taly/container-control/pkg/lifecycle"
)

// ContentType is the content type of the exposition view.
const ContentType = "text/plain; version=0.0.4"

const mib = 1 << 20

// Source is the slice of the orchestrator the aggregator reads from.
type Source interface {
	Status() lifecycle.WorkloadStatus
	Transitions() []lifecycle.TransitionEvent
	AdapterMetrics(ctx context.Context) map[string]any
	AdapterPrometheusMetrics() []string
}

// NetworkCounters are host-wide network totals since boot.
type NetworkCounters struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// SystemCounters are host CPU and memory figures, rounded for presentation.
type SystemCounters struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
	MemoryAvailableMB float64 `json:"memory_available_mb"`
	MemoryUsedMB      float64 `json:"memory_used_mb"`
}

// Report is the structured metrics view served on /api/metrics.
type Report struct {
	Timestamp       string                      `json:"timestamp"`
	AppStatus       lifecycle.WorkloadStatus    `json:"app_status"`
	ContainerStatus string                      `json:"container_status"`
	Network         NetworkCounters             `json:"network"`
	System          SystemCounters              `json:"system"`
	Metrics         map[string]any              `json:"metrics"`
	Transitions     []lifecycle.TransitionEvent `json:"transitions"`
}

// Aggregator produces both metrics views from one Source.
type Aggregator struct {
	src Source

	registry   *prometheus.Registry
	cpuPercent prometheus.Gauge
	memPercent prometheus.Gauge
	memUsed    prometheus.Gauge
	netSent    prometheus.Gauge
	netRecv    prometheus.Gauge
}

// New builds an aggregator with its private exposition registry. The gauge
// names and help strings form the fixed preamble of the /metrics response.
func New(src Source) *Aggregator {
	a := &Aggregator{
		src:      src,
		registry: prometheus.NewRegistry(),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "container_cpu_percent", Help: "CPU usage %",
		}),
		memPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "container_memory_percent", Help: "Mem usage %",
		}),
		memUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "container_memory_used_bytes", Help: "Used bytes",
		}),
		netSent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "container_network_bytes_sent_total", Help: "Bytes sent",
		}),
		netRecv: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "container_network_bytes_recv_total", Help: "Bytes recv",
		}),
	}
	a.registry.MustRegister(a.cpuPercent, a.memPercent, a.memUsed, a.netSent, a.netRecv)
	return a
}

type hostSample struct {
	cpuPercent float64
	vm         *mem.VirtualMemoryStat
	net        gopsnet.IOCountersStat
}

func collect() (hostSample, error) {
	var s hostSample
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return s, fmt.Errorf("sample cpu failed,%w", err)
	}
	if len(percents) > 0 {
		s.cpuPercent = percents[0]
	}
	s.vm, err = mem.VirtualMemory()
	if err != nil {
		return s, fmt.Errorf("sample memory failed,%w", err)
	}
	counters, err := gopsnet.IOCounters(false)
	if err != nil {
		return s, fmt.Errorf("sample network failed,%w", err)
	}
	if len(counters) > 0 {
		s.net = counters[0]
	}
	return s, nil
}

// Structured samples the host and the adapter and returns the JSON report.
func (a *Aggregator) Structured(ctx context.Context) (*Report, error) {
	s, err := collect()
	if err != nil {
		return nil, err
	}
	return &Report{
		Timestamp:       time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		AppStatus:       a.src.Status(),
		ContainerStatus: lifecycle.ContainerStatus,
		Network: NetworkCounters{
			BytesSent:   s.net.BytesSent,
			BytesRecv:   s.net.BytesRecv,
			PacketsSent: s.net.PacketsSent,
			PacketsRecv: s.net.PacketsRecv,
		},
		System: SystemCounters{
			CPUPercent:        round(s.cpuPercent, 1),
			MemoryPercent:     round(s.vm.UsedPercent, 1),
			MemoryAvailableMB: round(float64(s.vm.Available)/mib, 2),
			MemoryUsedMB:      round(float64(s.vm.Used)/mib, 2),
		},
		Metrics:     a.src.AdapterMetrics(ctx),
		Transitions: a.src.Transitions(),
	}, nil
}

// Exposition samples the host and renders the text view: the fixed preamble
// of host gauges followed by the adapter's lines, verbatim and unvalidated.
func (a *Aggregator) Exposition() ([]byte, error) {
	s, err := collect()
	if err != nil {
		return nil, err
	}
	a.cpuPercent.Set(s.cpuPercent)
	a.memPercent.Set(s.vm.UsedPercent)
	a.memUsed.Set(float64(s.vm.Used))
	a.netSent.Set(float64(s.net.BytesSent))
	a.netRecv.Set(float64(s.net.BytesRecv))

	families, err := a.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather host gauges failed,%w", err)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	enc := expfmt.NewEncoder(buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("encode host gauges failed,%w", err)
		}
	}
	for _, line := range a.src.AdapterPrometheusMetrics() {
		_, _ = buf.WriteString(line)
		_ = buf.WriteByte('\n')
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func round(v float64, places int) float64 {
	f := math.Pow10(places)
	return math.Round(v*f) / f
}
