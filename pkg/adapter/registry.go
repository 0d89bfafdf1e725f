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

// Package adapter hosts the adapter factory registry and the built-in
// adapters. Deployments that ship their own adapter register a factory from
// an init function and name it in the bootstrap configuration.
package adapter

import (
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/rdwr-taly/container-control/api"
)

// Factory builds an adapter from its adapter-specific settings block.
type Factory func(settings map[string]any) (api.Adapter, error)

var factories = cmap.New[Factory]()

// Register binds a factory to an identifier. Registering the same identifier
// again overwrites the previous factory; last registration wins.
func Register(name string, f Factory) {
	factories.Set(name, f)
}

// Resolve constructs the adapter registered under name. Called once at
// bootstrap.
func Resolve(name string, settings map[string]any) (api.Adapter, error) {
	f, ok := factories.Get(name)
	if !ok {
		return nil, fmt.Errorf("adapter: no factory registered for %q", name)
	}
	a, err := f(settings)
	if err != nil {
		return nil, fmt.Errorf("adapter: construct %q failed,%w", name, err)
	}
	return a, nil
}
