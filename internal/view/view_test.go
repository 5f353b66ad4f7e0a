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

package view

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OrbitalEnterprises/evemail/internal/message"

	"github.com/emersion/go-imap"
	"github.com/google/go-cmp/cmp"
)

type fakeResolver struct {
	characters map[int32]string
	lists      map[int32]string
	err        error
}

func (f *fakeResolver) CharacterName(ctx context.Context, id int32) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if name, ok := f.characters[id]; ok {
		return name, nil
	}
	return "", fmt.Errorf("character %d unknown", id)
}

func (f *fakeResolver) CorporationName(ctx context.Context, id int32) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("Corp %d", id), nil
}

func (f *fakeResolver) AllianceName(ctx context.Context, id int32) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("Alliance %d", id), nil
}

func (f *fakeResolver) MailingListName(ctx context.Context, characterID, mailingListID int32, token string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if name, ok := f.lists[mailingListID]; ok {
		return name, nil
	}
	return "", fmt.Errorf("mailing list %d unknown", mailingListID)
}

// countingBodies counts fetches and can fail a fixed number of times
// before succeeding.
type countingBodies struct {
	body     string
	failures int32
	calls    int32
	delay    time.Duration
}

func (f *countingBodies) FetchBody(ctx context.Context, characterID int32, mailID int64, token string) (string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if n <= atomic.LoadInt32(&f.failures) {
		return "", errors.New("esi unavailable")
	}
	return f.body, nil
}

type fakeCreds struct{ err error }

func (f fakeCreds) Token(ctx context.Context, characterID int32, window time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "test-token", nil
}

var testTime = time.Date(2018, 3, 15, 9, 30, 0, 0, time.UTC)

func testHeader() message.Header {
	return message.Header{
		MailID:    7001,
		From:      90000001,
		Subject:   "Fleet tonight",
		Timestamp: testTime,
		Recipients: []message.Recipient{
			{ID: 90000002, Kind: message.KindCharacter},
			{ID: 98000001, Kind: message.KindCorporation},
		},
	}
}

func testDeps(bodies *countingBodies) Deps {
	return Deps{
		Resolver: &fakeResolver{
			characters: map[int32]string{
				90000001: "John Doe",
				90000002: "Mary Smith",
			},
			lists: map[int32]string{55: "Null Politics"},
		},
		Bodies: bodies,
		Creds:  fakeCreds{},
		Window: time.Minute,
	}
}

func TestHeaderSynthesis(t *testing.T) {
	v := New(context.Background(), 90000001, testHeader(), testDeps(&countingBodies{}))

	want := strings.Join([]string{
		"From: John Doe <90000001@char.evemail.orbital.enterprises>",
		"To: Mary Smith <90000002@char.evemail.orbital.enterprises>, Corp 98000001 <98000001@corp.evemail.orbital.enterprises>",
		"Subject: Fleet tonight",
		"Date: Thu, 15 Mar 2018 09:30:00 +0000",
		"Message-ID: <7001@evemail.orbital.enterprises>",
		"",
		"",
	}, "\r\n")
	if diff := cmp.Diff(want, string(v.Header())); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestBodyFetchedOnce(t *testing.T) {
	bodies := &countingBodies{body: "o7 fleet forms at 1900", delay: 5 * time.Millisecond}
	v := New(context.Background(), 90000001, testHeader(), testDeps(bodies))

	const readers = 10
	results := make([][]byte, readers)
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = v.Body(context.Background())
		}()
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		if errs[i] != nil {
			t.Fatalf("reader %d: %v", i, errs[i])
		}
		if string(results[i]) != bodies.body {
			t.Fatalf("reader %d got %q", i, results[i])
		}
	}
	if got := atomic.LoadInt32(&bodies.calls); got != 1 {
		t.Errorf("body fetched %d times under %d racing readers, want 1", got, readers)
	}
}

func TestBodyErrorNotMemoized(t *testing.T) {
	bodies := &countingBodies{body: "eventually", failures: 1}
	v := New(context.Background(), 90000001, testHeader(), testDeps(bodies))

	if _, err := v.Body(context.Background()); err == nil {
		t.Fatal("first Body call succeeded, want failure")
	}
	got, err := v.Body(context.Background())
	if err != nil {
		t.Fatalf("Body after transient failure: %v", err)
	}
	if string(got) != bodies.body {
		t.Errorf("Body = %q, want %q", got, bodies.body)
	}
	if calls := atomic.LoadInt32(&bodies.calls); calls != 2 {
		t.Errorf("body fetched %d times, want 2 (retry after failure)", calls)
	}

	// Third read serves the memoized body.
	if _, err := v.Body(context.Background()); err != nil {
		t.Fatalf("memoized Body: %v", err)
	}
	if calls := atomic.LoadInt32(&bodies.calls); calls != 2 {
		t.Error("memoized read hit the network")
	}
}

func TestUnresolvedNameDegrades(t *testing.T) {
	deps := testDeps(&countingBodies{})
	hdr := testHeader()
	hdr.Recipients = append(hdr.Recipients, message.Recipient{ID: 424242, Kind: message.KindCharacter})

	v := New(context.Background(), 90000001, hdr, deps)
	to := v.Recipients()
	if len(to) != 3 {
		t.Fatalf("got %d recipients, want 3", len(to))
	}
	last := to[2]
	if last.Name != UnresolvedName {
		t.Errorf("unknown recipient name = %q, want %q", last.Name, UnresolvedName)
	}
	// The synthetic address is still well formed.
	if want := "424242@char.evemail.orbital.enterprises"; last.Address() != want {
		t.Errorf("Address() = %q, want %q", last.Address(), want)
	}
}

func TestMailingListResolution(t *testing.T) {
	deps := testDeps(&countingBodies{})
	hdr := testHeader()
	hdr.Recipients = []message.Recipient{{ID: 55, Kind: message.KindMailingList}}

	v := New(context.Background(), 90000001, hdr, deps)
	to := v.Recipients()
	if len(to) != 1 || to[0].Name != "Null Politics" {
		t.Fatalf("recipients = %+v, want the mailing list resolved", to)
	}
	if want := "55@ml.evemail.orbital.enterprises"; to[0].Address() != want {
		t.Errorf("Address() = %q, want %q", to[0].Address(), want)
	}
}

func TestMailingListResolutionWithoutCredentials(t *testing.T) {
	deps := testDeps(&countingBodies{})
	deps.Creds = fakeCreds{err: errors.New("no refresh token")}
	hdr := testHeader()
	hdr.Recipients = []message.Recipient{{ID: 55, Kind: message.KindMailingList}}

	v := New(context.Background(), 90000001, hdr, deps)
	if got := v.Recipients()[0].Name; got != UnresolvedName {
		t.Errorf("name without credentials = %q, want %q", got, UnresolvedName)
	}
}

func TestFullContentDegradesToHeader(t *testing.T) {
	bodies := &countingBodies{failures: 1 << 20} // never succeeds
	v := New(context.Background(), 90000001, testHeader(), testDeps(bodies))

	got := v.FullContent(context.Background())
	if diff := cmp.Diff(string(v.Header()), string(got)); diff != "" {
		t.Errorf("degraded content mismatch (-header +got):\n%s", diff)
	}

	ok := New(context.Background(), 90000001, testHeader(), testDeps(&countingBodies{body: "hello"}))
	want := string(ok.Header()) + "hello"
	if diff := cmp.Diff(want, string(ok.FullContent(context.Background()))); diff != "" {
		t.Errorf("full content mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvelope(t *testing.T) {
	v := New(context.Background(), 90000001, testHeader(), testDeps(&countingBodies{}))
	env := v.Envelope()

	wantFrom := []*imap.Address{{
		PersonalName: "John Doe",
		MailboxName:  "90000001",
		HostName:     "char.evemail.orbital.enterprises",
	}}
	if diff := cmp.Diff(wantFrom, env.From); diff != "" {
		t.Errorf("envelope From mismatch (-want +got):\n%s", diff)
	}
	if !env.Date.Equal(testTime) {
		t.Errorf("envelope Date = %v, want %v", env.Date, testTime)
	}
	if want := "<7001@evemail.orbital.enterprises>"; env.MessageId != want {
		t.Errorf("envelope MessageId = %q, want %q", env.MessageId, want)
	}
	if len(env.To) != 2 {
		t.Errorf("envelope To has %d addresses, want 2", len(env.To))
	}
}

func TestFlags(t *testing.T) {
	hdr := testHeader()
	unread := New(context.Background(), 90000001, hdr, testDeps(&countingBodies{}))
	if got := unread.Flags(); len(got) != 0 {
		t.Errorf("unread flags = %v, want none", got)
	}

	hdr.IsRead = true
	read := New(context.Background(), 90000001, hdr, testDeps(&countingBodies{}))
	if diff := cmp.Diff([]string{imap.SeenFlag}, read.Flags()); diff != "" {
		t.Errorf("read flags mismatch (-want +got):\n%s", diff)
	}
}
