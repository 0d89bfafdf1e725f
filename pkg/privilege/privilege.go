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

// Package privilege builds the command wrapper handed to adapters so workload
// processes can be launched as an unprivileged user while the control plane
// itself runs as root.
package privilege

import (
	"golang.org/x/sys/unix"

	"github.com/rdwr-taly/container-control/api"
)

// Wrapper returns a CommandWrapper that prefixes a privilege-drop invocation
// when runAsUser is non-empty and the current process has an effective uid of
// 0. Otherwise the command is returned unchanged. The returned function is
// pure and may be called any number of times.
func Wrapper(runAsUser string) api.CommandWrapper {
	return wrapper(runAsUser, unix.Geteuid)
}

// wrapper is the injectable core, split out so tests can substitute the
// effective-uid probe.
func wrapper(runAsUser string, euid func() int) api.CommandWrapper {
	return func(cmd []string) []string {
		if runAsUser == "" || euid() != 0 {
			return cmd
		}
		wrapped := make([]string, 0, len(cmd)+5)
		wrapped = append(wrapped, "sudo", "-E", "-u", runAsUser, "--")
		return append(wrapped, cmd...)
	}
}
