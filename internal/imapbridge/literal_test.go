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

package imapbridge

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/google/go-cmp/cmp"
)

func newLiteral(t *testing.T, raw string) imap.Literal {
	t.Helper()
	return bytes.NewBufferString(raw)
}

func TestLiteralContent(t *testing.T) {
	date := time.Date(2018, 3, 15, 9, 30, 0, 0, time.UTC)
	raw := "From: John Doe <90000001@char.evemail.orbital.enterprises>\r\n" +
		"To: Mary Smith <90000002@char.evemail.orbital.enterprises>\r\n" +
		"Subject: weekend plans\r\n" +
		"\r\n" +
		"let's run some sites"

	c, err := newLiteralContent(date, newLiteral(t, raw))
	if err != nil {
		t.Fatalf("newLiteralContent: %v", err)
	}

	body, err := c.Body(context.Background())
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	if string(body) != "let's run some sites" {
		t.Errorf("body = %q", body)
	}
	if got := string(c.FullContent(context.Background())); got != raw {
		t.Errorf("full content mismatch:\n got %q\nwant %q", got, raw)
	}
	if !c.InternalDate().Equal(date) {
		t.Errorf("InternalDate = %v, want %v", c.InternalDate(), date)
	}

	env := c.Envelope()
	if env.Subject != "weekend plans" {
		t.Errorf("envelope subject = %q", env.Subject)
	}
	wantFrom := []*imap.Address{{
		PersonalName: "John Doe",
		MailboxName:  "90000001",
		HostName:     "char.evemail.orbital.enterprises",
	}}
	if diff := cmp.Diff(wantFrom, env.From); diff != "" {
		t.Errorf("envelope From mismatch (-want +got):\n%s", diff)
	}
	if len(env.To) != 1 || env.To[0].MailboxName != "90000002" {
		t.Errorf("envelope To = %+v", env.To)
	}
}

func TestLiteralContentBareNewlines(t *testing.T) {
	// Some clients append with bare LF line endings.
	raw := "Subject: hello\n\nbody text"
	c, err := newLiteralContent(time.Now(), newLiteral(t, raw))
	if err != nil {
		t.Fatalf("newLiteralContent: %v", err)
	}
	body, err := c.Body(context.Background())
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	if string(body) != "body text" {
		t.Errorf("body = %q", body)
	}
	if c.Envelope().Subject != "hello" {
		t.Errorf("subject = %q", c.Envelope().Subject)
	}
}

func TestLiteralContentNoBody(t *testing.T) {
	c, err := newLiteralContent(time.Now(), newLiteral(t, "Subject: header only\r\n\r\n"))
	if err != nil {
		t.Fatalf("newLiteralContent: %v", err)
	}
	body, err := c.Body(context.Background())
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("body = %q, want empty", body)
	}
}

func TestSplitAddress(t *testing.T) {
	for _, tc := range []struct {
		addr, mbox, host string
		ok               bool
	}{
		{"90000001@char.evemail.orbital.enterprises", "90000001", "char.evemail.orbital.enterprises", true},
		{"noat", "noat", "", false},
		{"a@b@c", "a@b", "c", true},
	} {
		mbox, host, ok := splitAddress(tc.addr)
		if mbox != tc.mbox || host != tc.host || ok != tc.ok {
			t.Errorf("splitAddress(%q) = %q, %q, %v; want %q, %q, %v",
				tc.addr, mbox, host, ok, tc.mbox, tc.host, tc.ok)
		}
	}
}
