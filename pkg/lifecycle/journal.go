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
	"sync"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
)

const defaultJournalCapacity = 32

// TransitionEvent records one status transition. Events live in memory only;
// they do not survive a control-plane restart.
type TransitionEvent struct {
	From   WorkloadStatus `json:"from"`
	To     WorkloadStatus `json:"to"`
	Reason string         `json:"reason"`
	At     time.Time      `json:"at"`
}

// journal is a bounded record of recent transitions. When full, the oldest
// event is evicted.
type journal struct {
	mu  sync.Mutex
	q   *queuepkg.Queue
	cap int64
}

func newJournal(capacity int64) *journal {
	if capacity <= 0 {
		capacity = defaultJournalCapacity
	}
	return &journal{q: queuepkg.New(capacity), cap: capacity}
}

func (j *journal) record(ev TransitionEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.q.Len() >= j.cap {
		_, _ = j.q.Get(j.q.Len() - j.cap + 1)
	}
	_ = j.q.Put(ev)
}

// recent returns the recorded events, oldest first.
func (j *journal) recent() []TransitionEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := j.q.Len()
	if n == 0 {
		return nil
	}
	items, err := j.q.Get(n)
	if err != nil {
		return nil
	}
	out := make([]TransitionEvent, 0, len(items))
	for _, it := range items {
		ev := it.(TransitionEvent)
		out = append(out, ev)
		_ = j.q.Put(it)
	}
	return out
}
