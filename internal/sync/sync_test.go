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

package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/OrbitalEnterprises/evemail/internal/cache"
	"github.com/OrbitalEnterprises/evemail/internal/mailbox"
	"github.com/OrbitalEnterprises/evemail/internal/message"
	"github.com/OrbitalEnterprises/evemail/internal/view"

	"github.com/emersion/go-imap"
	"github.com/google/go-cmp/cmp"
)

const testUser = "90000001@evemail.orbital.enterprises"

type fakeCreds struct{}

func (fakeCreds) Token(ctx context.Context, characterID int32, window time.Duration) (string, error) {
	return "test-token", nil
}

type fakeLabels struct{ labels []message.Label }

func (f *fakeLabels) ListLabels(ctx context.Context, characterID int32, token string) ([]message.Label, error) {
	return f.labels, nil
}

type fakeHeaders struct {
	headers []message.Header
	err     error
}

func (f *fakeHeaders) ListMailHeaders(ctx context.Context, characterID int32, token string) ([]message.Header, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.headers, nil
}

type fakeResolver struct{}

func (fakeResolver) CharacterName(ctx context.Context, id int32) (string, error) {
	return fmt.Sprintf("Character %d", id), nil
}
func (fakeResolver) CorporationName(ctx context.Context, id int32) (string, error) {
	return fmt.Sprintf("Corp %d", id), nil
}
func (fakeResolver) AllianceName(ctx context.Context, id int32) (string, error) {
	return fmt.Sprintf("Alliance %d", id), nil
}
func (fakeResolver) MailingListName(ctx context.Context, characterID, mailingListID int32, token string) (string, error) {
	return fmt.Sprintf("List %d", mailingListID), nil
}

type fakeBodies struct{}

func (fakeBodies) FetchBody(ctx context.Context, characterID int32, mailID int64, token string) (string, error) {
	return fmt.Sprintf("body of %d", mailID), nil
}

func header(mailID int64, labels ...int32) message.Header {
	return message.Header{
		MailID:    mailID,
		From:      90000002,
		Subject:   fmt.Sprintf("mail %d", mailID),
		Timestamp: time.Date(2018, 3, 15, 9, 30, 0, 0, time.UTC),
		Labels:    labels,
		Recipients: []message.Recipient{
			{ID: 90000001, Kind: message.KindCharacter},
		},
	}
}

type fixture struct {
	sync  *Synchronizer
	store *cache.Store
	dir   *mailbox.Directory
	heads *fakeHeaders
}

func newFixture(t *testing.T, labels []message.Label, headers []message.Header) *fixture {
	t.Helper()
	var ids mailbox.Sequencer
	dir, err := mailbox.NewDirectory(context.Background(), testUser, &fakeLabels{labels: labels}, fakeCreds{}, time.Minute, &ids)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	store := cache.NewStore()
	heads := &fakeHeaders{headers: headers}
	views := view.Deps{
		Resolver: fakeResolver{},
		Bodies:   fakeBodies{},
		Creds:    fakeCreds{},
		Window:   time.Minute,
	}
	return &fixture{
		sync:  New(heads, fakeCreds{}, time.Minute, store, views),
		store: store,
		dir:   dir,
		heads: heads,
	}
}

func (f *fixture) mailbox(t *testing.T, name string) mailbox.Mailbox {
	t.Helper()
	mb, err := f.dir.FindByName(name)
	if err != nil {
		t.Fatalf("FindByName(%s): %v", name, err)
	}
	return mb
}

// remoteIDs returns the cached remote IDs sorted; insertion order
// within one sync pass is not deterministic.
func remoteIDs(messages []*cache.Message) []int64 {
	var out []int64
	for _, m := range messages {
		out = append(out, m.RemoteID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func findRemote(t *testing.T, messages []*cache.Message, remoteID int64) *cache.Message {
	t.Helper()
	for _, m := range messages {
		if m.RemoteID == remoteID {
			return m
		}
	}
	t.Fatalf("remote ID %d not cached", remoteID)
	return nil
}

func TestMailboxInsertsMissing(t *testing.T) {
	f := newFixture(t,
		[]message.Label{{ID: 1, Name: "Inbox"}},
		[]message.Header{header(7001, 1), header(7002, 1), header(7003, 2)},
	)
	inbox := f.mailbox(t, "INBOX")

	if err := f.sync.Mailbox(context.Background(), f.dir, inbox); err != nil {
		t.Fatalf("Mailbox: %v", err)
	}

	got := f.store.Messages(inbox.ID)
	if diff := cmp.Diff([]int64{7001, 7002}, remoteIDs(got)); diff != "" {
		t.Errorf("cached remote IDs mismatch (-want +got):\n%s", diff)
	}
	for _, m := range got {
		if !m.HasFlag(imap.RecentFlag) {
			t.Errorf("mail %d inserted without \\Recent: %v", m.RemoteID, m.Flags)
		}
		if m.HasFlag(imap.SeenFlag) {
			t.Errorf("unread mail %d inserted with \\Seen", m.RemoteID)
		}
	}
}

func TestMailboxSeedsSeenFromReadState(t *testing.T) {
	read := header(7001, 1)
	read.IsRead = true
	f := newFixture(t, []message.Label{{ID: 1, Name: "Inbox"}}, []message.Header{read})
	inbox := f.mailbox(t, "INBOX")

	if err := f.sync.Mailbox(context.Background(), f.dir, inbox); err != nil {
		t.Fatalf("Mailbox: %v", err)
	}
	m := f.store.Messages(inbox.ID)[0]
	if !m.HasFlag(imap.SeenFlag) {
		t.Errorf("read mail cached without \\Seen: %v", m.Flags)
	}
}

func TestMailboxPreservesUnchanged(t *testing.T) {
	f := newFixture(t,
		[]message.Label{{ID: 1, Name: "Inbox"}},
		[]message.Header{header(7001, 1)},
	)
	inbox := f.mailbox(t, "INBOX")

	if err := f.sync.Mailbox(context.Background(), f.dir, inbox); err != nil {
		t.Fatalf("Mailbox: %v", err)
	}
	before := f.store.Messages(inbox.ID)[0]

	// A client marks it seen between syncs.
	f.store.UpdateFlags(inbox.ID, nil, imap.AddFlags, []string{imap.SeenFlag})
	marked := f.store.Messages(inbox.ID)[0]

	if err := f.sync.Mailbox(context.Background(), f.dir, inbox); err != nil {
		t.Fatalf("Mailbox: %v", err)
	}

	after := f.store.Messages(inbox.ID)
	if len(after) != 1 {
		t.Fatalf("cache has %d messages after re-sync, want 1", len(after))
	}
	if after[0].UID != before.UID {
		t.Errorf("re-sync changed UID: %d -> %d", before.UID, after[0].UID)
	}
	if after[0].ModSeq != marked.ModSeq {
		t.Errorf("re-sync changed ModSeq: %d -> %d", marked.ModSeq, after[0].ModSeq)
	}
	if !after[0].HasFlag(imap.SeenFlag) {
		t.Error("re-sync dropped the client-set \\Seen flag")
	}
}

func TestMailboxRemovesVanished(t *testing.T) {
	f := newFixture(t,
		[]message.Label{{ID: 1, Name: "Inbox"}},
		[]message.Header{header(7001, 1), header(7002, 1)},
	)
	inbox := f.mailbox(t, "INBOX")

	if err := f.sync.Mailbox(context.Background(), f.dir, inbox); err != nil {
		t.Fatalf("Mailbox: %v", err)
	}

	f.heads.headers = []message.Header{header(7002, 1)}
	if err := f.sync.Mailbox(context.Background(), f.dir, inbox); err != nil {
		t.Fatalf("Mailbox: %v", err)
	}

	got := remoteIDs(f.store.Messages(inbox.ID))
	if diff := cmp.Diff([]int64{7002}, got); diff != "" {
		t.Errorf("cached remote IDs mismatch (-want +got):\n%s", diff)
	}
}

func TestMailboxKeepsLocalMail(t *testing.T) {
	f := newFixture(t,
		[]message.Label{{ID: 1, Name: "Inbox"}},
		[]message.Header{header(7001, 1)},
	)
	inbox := f.mailbox(t, "INBOX")

	// A locally appended message has no remote ID; reconciliation
	// must never treat it as vanished remote mail.
	local := &cache.Message{Flags: []string{imap.RecentFlag}}
	f.store.Save(inbox.ID, local)

	if err := f.sync.Mailbox(context.Background(), f.dir, inbox); err != nil {
		t.Fatalf("Mailbox: %v", err)
	}
	if got := f.store.Count(inbox.ID); got != 2 {
		t.Errorf("cache count = %d, want 2 (remote plus local)", got)
	}
}

func TestMailboxWithoutLabelIsNoOp(t *testing.T) {
	f := newFixture(t, nil, []message.Header{header(7001, 1)})
	trash := f.mailbox(t, mailbox.TrashName)

	if err := f.sync.Mailbox(context.Background(), f.dir, trash); err != nil {
		t.Fatalf("Mailbox: %v", err)
	}
	if got := f.store.Count(trash.ID); got != 0 {
		t.Errorf("local-only mailbox gained %d messages from sync", got)
	}
}

func TestUserSyncsEveryLabeledMailbox(t *testing.T) {
	f := newFixture(t,
		[]message.Label{{ID: 1, Name: "Inbox"}, {ID: 2, Name: "Sent"}},
		[]message.Header{header(7001, 1), header(7002, 2), header(7003, 1, 2)},
	)

	if err := f.sync.User(context.Background(), f.dir); err != nil {
		t.Fatalf("User: %v", err)
	}

	inbox := f.mailbox(t, "INBOX")
	sent := f.mailbox(t, "Sent")
	if diff := cmp.Diff([]int64{7001, 7003}, remoteIDs(f.store.Messages(inbox.ID))); diff != "" {
		t.Errorf("INBOX mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{7002, 7003}, remoteIDs(f.store.Messages(sent.ID))); diff != "" {
		t.Errorf("Sent mismatch (-want +got):\n%s", diff)
	}
	// A mail under two labels is cached twice with distinct UIDs.
	a := findRemote(t, f.store.Messages(inbox.ID), 7003)
	b := findRemote(t, f.store.Messages(sent.ID), 7003)
	if a.UID == b.UID {
		t.Errorf("same UID %d for the same mail in two mailboxes", a.UID)
	}
}

func TestUserRemoteFailure(t *testing.T) {
	f := newFixture(t, []message.Label{{ID: 1, Name: "Inbox"}}, nil)
	f.heads.err = errors.New("esi down")

	if err := f.sync.User(context.Background(), f.dir); err == nil {
		t.Fatal("User succeeded with a failing header source")
	}
	inbox := f.mailbox(t, "INBOX")
	if got := f.store.Count(inbox.ID); got != 0 {
		t.Errorf("failed sync populated the cache with %d messages", got)
	}
}
