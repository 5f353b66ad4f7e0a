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

// Package cache is the in-memory message store behind every virtual
// mailbox.  It owns nothing durable: entries are populated from EVE
// and evaporate on restart.  What it does own is protocol
// correctness, in particular UID and mod-sequence assignment and the
// flag semantics mail clients depend on.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/OrbitalEnterprises/evemail/internal/mailbox"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/backendutil"
)

// Content is the immutable protocol payload of a cached message.
// *view.View implements it for EVE-backed mail; locally appended mail
// (Trash, Bounced) uses a literal implementation.  Body may block on
// the network and may fail; everything else is local.
type Content interface {
	Header() []byte
	Body(ctx context.Context) ([]byte, error)
	FullContent(ctx context.Context) []byte
	InternalDate() time.Time
	Envelope() *imap.Envelope
}

// Metadata is the identity stamp of one stored message.
type Metadata struct {
	UID    uint64
	ModSeq uint64
}

// Message is one cached mailbox message.  The cache stores and hands
// out defensive copies; Content is shared between copies because it
// is immutable.
type Message struct {
	// UID is assigned once on first save and never changes.
	// Listing order is ascending UID.
	UID uint64

	// ModSeq is bumped on every mutating write.
	ModSeq uint64

	// RemoteID is the ESI mail ID this entry mirrors, or zero for
	// mail that exists only locally.
	RemoteID int64

	Flags []string

	Content Content
}

// HasFlag reports whether the message carries the given flag.
func (m *Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (m *Message) clone() *Message {
	c := *m
	c.Flags = append([]string(nil), m.Flags...)
	return &c
}

func (m *Message) metadata() Metadata {
	return Metadata{UID: m.UID, ModSeq: m.ModSeq}
}

// mailboxMessages holds one mailbox's messages.  Compound operations
// (expunge, flag updates) hold mu for their full duration so a
// concurrent insert can neither be lost nor half-observed.
type mailboxMessages struct {
	mu    sync.RWMutex
	byUID map[uint64]*Message
}

// Store holds the message caches for every mailbox in the process,
// keyed by mailbox ID.  Mailbox identity, not user identity, is the
// partition key; directories guarantee mailbox IDs are process
// unique.
type Store struct {
	uids    mailbox.Sequencer
	modseqs mailbox.Sequencer

	mu        sync.RWMutex
	byMailbox map[uint64]*mailboxMessages
}

func NewStore() *Store {
	return &Store{byMailbox: make(map[uint64]*mailboxMessages)}
}

// UIDs is the process-wide UID sequence.
func (s *Store) UIDs() *mailbox.Sequencer { return &s.uids }

func (s *Store) forMailbox(mailboxID uint64) *mailboxMessages {
	s.mu.RLock()
	mm := s.byMailbox[mailboxID]
	s.mu.RUnlock()
	if mm != nil {
		return mm
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if mm = s.byMailbox[mailboxID]; mm == nil {
		mm = &mailboxMessages{byUID: make(map[uint64]*Message)}
		s.byMailbox[mailboxID] = mm
	}
	return mm
}

// Count returns the number of messages in the mailbox.
func (s *Store) Count(mailboxID uint64) int {
	mm := s.forMailbox(mailboxID)
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return len(mm.byUID)
}

// CountUnseen returns the number of messages without \Seen.
func (s *Store) CountUnseen(mailboxID uint64) int {
	mm := s.forMailbox(mailboxID)
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	count := 0
	for _, m := range mm.byUID {
		if !m.HasFlag(imap.SeenFlag) {
			count++
		}
	}
	return count
}

// Save stores a copy of msg in the mailbox.  A zero UID or ModSeq is
// assigned from the shared sequences; non-zero values are preserved,
// which is how copy and move carry pre-assigned identity.  The
// caller's msg is updated with the assigned values.
func (s *Store) Save(mailboxID uint64, msg *Message) Metadata {
	if msg.UID == 0 {
		msg.UID = s.uids.Next()
	}
	if msg.ModSeq == 0 {
		msg.ModSeq = s.modseqs.Next()
	}
	mm := s.forMailbox(mailboxID)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.byUID[msg.UID] = msg.clone()
	return msg.metadata()
}

// contains reports whether set includes uid.  A nil set means the
// full range.
func contains(set *imap.SeqSet, uid uint64) bool {
	return set == nil || set.Contains(uint32(uid))
}

// FindInRange returns copies of the messages whose UIDs fall in set,
// ascending by UID, truncated to max when max is positive.
func (s *Store) FindInRange(mailboxID uint64, set *imap.SeqSet, max int) []*Message {
	mm := s.forMailbox(mailboxID)
	mm.mu.RLock()
	results := make([]*Message, 0, len(mm.byUID))
	for _, m := range mm.byUID {
		if contains(set, m.UID) {
			results = append(results, m.clone())
		}
	}
	mm.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].UID < results[j].UID })
	if max > 0 && len(results) > max {
		results = results[:max]
	}
	return results
}

// Messages returns copies of all messages in the mailbox, ascending
// by UID.
func (s *Store) Messages(mailboxID uint64) []*Message {
	return s.FindInRange(mailboxID, nil, 0)
}

// RecentUIDs returns the UIDs of all messages flagged \Recent,
// ascending.
func (s *Store) RecentUIDs(mailboxID uint64) []uint64 {
	mm := s.forMailbox(mailboxID)
	mm.mu.RLock()
	var uids []uint64
	for _, m := range mm.byUID {
		if m.HasFlag(imap.RecentFlag) {
			uids = append(uids, m.UID)
		}
	}
	mm.mu.RUnlock()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// FirstUnseenUID returns the lowest UID without \Seen.  ok is false
// when every message is seen.
func (s *Store) FirstUnseenUID(mailboxID uint64) (uid uint64, ok bool) {
	for _, m := range s.Messages(mailboxID) {
		if !m.HasFlag(imap.SeenFlag) {
			return m.UID, true
		}
	}
	return 0, false
}

// ExpungeDeleted removes every message in set flagged \Deleted and
// returns the metadata of exactly the removed messages, keyed by UID.
func (s *Store) ExpungeDeleted(mailboxID uint64, set *imap.SeqSet) map[uint64]Metadata {
	mm := s.forMailbox(mailboxID)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	removed := make(map[uint64]Metadata)
	for uid, m := range mm.byUID {
		if contains(set, uid) && m.HasFlag(imap.DeletedFlag) {
			removed[uid] = m.metadata()
			delete(mm.byUID, uid)
		}
	}
	return removed
}

// Delete removes the message unconditionally.
func (s *Store) Delete(mailboxID, uid uint64) {
	mm := s.forMailbox(mailboxID)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	delete(mm.byUID, uid)
}

// Copy duplicates msg into the target mailbox under a freshly
// assigned UID and mod-sequence.  The copy is flagged \Recent; the
// source message is untouched.
func (s *Store) Copy(targetMailboxID uint64, msg *Message) Metadata {
	cp := msg.clone()
	cp.UID = s.uids.Next()
	cp.ModSeq = s.modseqs.Next()
	if !cp.HasFlag(imap.RecentFlag) {
		cp.Flags = append(cp.Flags, imap.RecentFlag)
	}
	return s.Save(targetMailboxID, cp)
}

// Move is Copy followed by removal of the original from its source
// mailbox.  The copy's UID is fresh; no UID is ever reused.
func (s *Store) Move(targetMailboxID, sourceMailboxID uint64, msg *Message) Metadata {
	meta := s.Copy(targetMailboxID, msg)
	s.Delete(sourceMailboxID, msg.UID)
	return meta
}

// UpdateFlags applies an IMAP STORE-style flag operation to every
// message in set and returns copies of the changed messages with
// bumped mod-sequences.  \Recent is cache-assigned, never
// client-assigned, so it is stripped from the requested flags and
// preserved across replacement.
func (s *Store) UpdateFlags(mailboxID uint64, set *imap.SeqSet, op imap.FlagsOp, flags []string) []*Message {
	requested := make([]string, 0, len(flags))
	for _, f := range flags {
		if f != imap.RecentFlag {
			requested = append(requested, f)
		}
	}

	mm := s.forMailbox(mailboxID)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var changed []*Message
	for _, m := range mm.byUID {
		if !contains(set, m.UID) {
			continue
		}
		recent := m.HasFlag(imap.RecentFlag)
		updated := backendutil.UpdateFlags(m.Flags, op, requested)
		if recent && op == imap.SetFlags {
			updated = append(updated, imap.RecentFlag)
		}
		if flagsEqual(m.Flags, updated) {
			continue
		}
		m.Flags = updated
		m.ModSeq = s.modseqs.Next()
		changed = append(changed, m.clone())
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].UID < changed[j].UID })
	return changed
}

func flagsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	for _, f := range b {
		if !set[f] {
			return false
		}
	}
	return true
}

// ApplicableFlags returns the union of all flags observed across the
// mailbox's messages, recomputed fresh on every call.  \Recent is
// excluded: it is session bookkeeping, not a flag clients may store.
func (s *Store) ApplicableFlags(mailboxID uint64) []string {
	mm := s.forMailbox(mailboxID)
	mm.mu.RLock()
	seen := make(map[string]bool)
	for _, m := range mm.byUID {
		for _, f := range m.Flags {
			if f != imap.RecentFlag {
				seen[f] = true
			}
		}
	}
	mm.mu.RUnlock()
	flags := make([]string, 0, len(seen))
	for f := range seen {
		flags = append(flags, f)
	}
	sort.Strings(flags)
	return flags
}

// DropMailbox discards the mailbox's entire cache.  Used when a
// mailbox is deleted from its directory.
func (s *Store) DropMailbox(mailboxID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byMailbox, mailboxID)
}
