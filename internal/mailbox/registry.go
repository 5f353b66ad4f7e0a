// Copyright 2018 Orbital Enterprises
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mailbox

import (
	"context"
	"sync"
	"time"
)

// Registry maps protocol user names to their directories, creating
// each directory on first use.  Two sessions racing for the same new
// user construct it exactly once; a failed construction is not
// cached, so a later session retries.
//
// The registry owns the process-wide mailbox ID sequence, which it
// shares with every directory it creates.
type Registry struct {
	labels LabelSource
	creds  Credentials
	window time.Duration

	ids Sequencer

	mu      sync.Mutex
	entries map[string]*registryEntry
}

// registryEntry serializes construction per user so that building
// one user's directory (which hits the network) never blocks lookups
// for other users.
type registryEntry struct {
	mu  sync.Mutex
	dir *Directory
}

func NewRegistry(labels LabelSource, creds Credentials, window time.Duration) *Registry {
	return &Registry{
		labels:  labels,
		creds:   creds,
		window:  window,
		entries: make(map[string]*registryEntry),
	}
}

// Directory returns the directory for user, constructing it if the
// user has none yet.
func (r *Registry) Directory(ctx context.Context, user string) (*Directory, error) {
	r.mu.Lock()
	e, ok := r.entries[user]
	if !ok {
		e = &registryEntry{}
		r.entries[user] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dir == nil {
		dir, err := NewDirectory(ctx, user, r.labels, r.creds, r.window, &r.ids)
		if err != nil {
			return nil, err
		}
		e.dir = dir
	}
	return e.dir, nil
}
