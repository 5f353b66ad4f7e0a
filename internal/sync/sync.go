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

// Package sync reconciles cached mailbox contents against the
// character's current EVE mail.  Mail present remotely but missing
// from a cache is inserted; cached mail whose remote ID vanished is
// removed; everything else keeps its UID, mod-sequence and flags
// untouched.
package sync

import (
	"context"
	"log"
	"time"

	"github.com/OrbitalEnterprises/evemail/internal/cache"
	"github.com/OrbitalEnterprises/evemail/internal/mailbox"
	"github.com/OrbitalEnterprises/evemail/internal/message"
	"github.com/OrbitalEnterprises/evemail/internal/view"

	"github.com/emersion/go-imap"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// HeaderLister lists all mail headers for a character.  *esi.Client
// satisfies this.
type HeaderLister interface {
	ListMailHeaders(ctx context.Context, characterID int32, token string) ([]message.Header, error)
}

// Synchronizer pulls EVE mail into the message caches.
type Synchronizer struct {
	headers HeaderLister
	creds   mailbox.Credentials
	window  time.Duration
	store   *cache.Store
	views   view.Deps
}

func New(headers HeaderLister, creds mailbox.Credentials, window time.Duration, store *cache.Store, views view.Deps) *Synchronizer {
	return &Synchronizer{
		headers: headers,
		creds:   creds,
		window:  window,
		store:   store,
		views:   views,
	}
}

// User synchronizes every label-backed mailbox in the directory.
// The remote header listing is fetched once and shared; mailboxes
// are then reconciled concurrently.
func (s *Synchronizer) User(ctx context.Context, dir *mailbox.Directory) error {
	boxes, err := dir.List(ctx)
	if err != nil {
		return errors.Wrapf(err, "syncing mail for %s", dir.User())
	}
	headers, err := s.listHeaders(ctx, dir.CharacterID())
	if err != nil {
		return errors.Wrapf(err, "syncing mail for %s", dir.User())
	}

	grp, ctx := errgroup.WithContext(ctx)
	for _, mb := range boxes {
		if mb.LabelID == 0 {
			// Trash and Bounced exist only locally.
			continue
		}
		mb := mb
		grp.Go(func() error {
			return s.reconcile(ctx, dir.CharacterID(), mb, headers)
		})
	}
	return grp.Wait()
}

// Mailbox synchronizes a single mailbox.  A mailbox without a
// backing label is a no-op.
func (s *Synchronizer) Mailbox(ctx context.Context, dir *mailbox.Directory, mb mailbox.Mailbox) error {
	if mb.LabelID == 0 {
		return nil
	}
	headers, err := s.listHeaders(ctx, dir.CharacterID())
	if err != nil {
		return errors.Wrapf(err, "syncing mailbox %s", mb.Path)
	}
	return s.reconcile(ctx, dir.CharacterID(), mb, headers)
}

func (s *Synchronizer) listHeaders(ctx context.Context, characterID int32) ([]message.Header, error) {
	tok, err := s.creds.Token(ctx, characterID, s.window)
	if err != nil {
		return nil, err
	}
	return s.headers.ListMailHeaders(ctx, characterID, tok)
}

// reconcile aligns one mailbox's cache with the remote headers that
// carry its label.
func (s *Synchronizer) reconcile(ctx context.Context, characterID int32, mb mailbox.Mailbox, headers []message.Header) error {
	remote := make(map[int64]message.Header)
	for _, hdr := range headers {
		if hdr.HasLabel(mb.LabelID) {
			remote[hdr.MailID] = hdr
		}
	}

	cached := s.store.Messages(mb.ID)
	have := make(map[int64]*cache.Message, len(cached))
	for _, m := range cached {
		if m.RemoteID != 0 {
			have[m.RemoteID] = m
		}
	}

	added, dropped := 0, 0
	for mailID, hdr := range remote {
		if _, ok := have[mailID]; ok {
			// Unchanged: UID, mod-sequence and flags stay
			// as they are.
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		v := view.New(ctx, characterID, hdr, s.views)
		msg := &cache.Message{
			RemoteID: mailID,
			Flags:    append(v.Flags(), imap.RecentFlag),
			Content:  v,
		}
		s.store.Save(mb.ID, msg)
		added++
	}
	for mailID, m := range have {
		if _, ok := remote[mailID]; !ok {
			s.store.Delete(mb.ID, m.UID)
			dropped++
		}
	}
	if added > 0 || dropped > 0 {
		log.Printf("sync: mailbox %s: %d added, %d removed, %d cached", mb.Path, added, dropped, s.store.Count(mb.ID))
	}
	return nil
}
