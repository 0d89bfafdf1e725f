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

// WorkloadStatus is the orchestrator's view of the managed workload. It is
// mutated only by the orchestrator's transition paths.
type WorkloadStatus int32

const (
	StatusInitializing WorkloadStatus = iota
	StatusRunning
	StatusStopped
	StatusError
)

var statusNames = []string{"initializing", "running", "stopped", "error"}

func (s WorkloadStatus) String() string {
	if s < StatusInitializing || s > StatusError {
		return "unknown"
	}
	return statusNames[s]
}

// MarshalJSON renders the status as its lowercase name, matching the wire
// format of the health and metrics endpoints.
func (s WorkloadStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ContainerStatus describes the container itself, not the workload. The
// control plane only ever reports it as running; it exists for API
// compatibility with external schedulers.
const ContainerStatus = "running"
