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

import "sync/atomic"

// Sequencer hands out strictly increasing 64-bit values.  Values are
// process scoped, never reset and never reused; a zero value is never
// issued, so zero can mean "unassigned" everywhere a sequence value
// is stored.
//
// The bridge runs three independent sequences: message UIDs, message
// mod-sequences and mailbox IDs.  Keeping UIDs and mod-sequences
// global rather than per mailbox costs nothing and guarantees a value
// can never collide across mailboxes, which makes copy and move
// trivially safe.
type Sequencer struct {
	v atomic.Uint64
}

// Next returns the next value in the sequence.
func (s *Sequencer) Next() uint64 {
	return s.v.Add(1)
}

// Last returns the most recently issued value, or zero if none has
// been issued.  Protocol status reporting uses this to predict the
// next UID without consuming one.
func (s *Sequencer) Last() uint64 {
	return s.v.Load()
}
