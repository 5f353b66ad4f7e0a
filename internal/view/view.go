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

// Package view adapts one EVE mail header into a protocol-ready
// message.  Display names are resolved when the view is built; the
// body is fetched from ESI at most once, on first read.
package view

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/OrbitalEnterprises/evemail/internal/message"

	"github.com/emersion/go-imap"
	"github.com/pkg/errors"
)

// UnresolvedName stands in for any display name that could not be
// resolved.  Resolution failures degrade; they never fail view
// construction.
const UnresolvedName = "Unresolved"

// MailDomain is the address domain the bridge synthesizes for EVE
// entities.  Each entity kind gets its own subdomain so addresses
// stay unambiguous.
const MailDomain = "evemail.orbital.enterprises"

// Resolver resolves display names per entity kind.  *esi.Client
// satisfies this.  Mailing list membership is private, hence the
// token on that call alone.
type Resolver interface {
	CharacterName(ctx context.Context, characterID int32) (string, error)
	CorporationName(ctx context.Context, corporationID int32) (string, error)
	AllianceName(ctx context.Context, allianceID int32) (string, error)
	MailingListName(ctx context.Context, characterID, mailingListID int32, token string) (string, error)
}

// BodySource fetches one mail body.  *esi.Client satisfies this.
type BodySource interface {
	FetchBody(ctx context.Context, characterID int32, mailID int64, token string) (string, error)
}

// Credentials matches mailbox.Credentials; the view needs its own
// token for body fetches and mailing list resolution.
type Credentials interface {
	Token(ctx context.Context, characterID int32, window time.Duration) (string, error)
}

// Deps bundles the collaborators a view calls out to.
type Deps struct {
	Resolver Resolver
	Bodies   BodySource
	Creds    Credentials
	Window   time.Duration
}

// Entity is one mail participant with its resolved display name.
type Entity struct {
	ID   int32
	Kind message.EntityKind
	Name string
}

// Address renders the entity as a synthetic mail address.
func (e Entity) Address() string {
	return fmt.Sprintf("%d@%s.%s", e.ID, kindSubdomain(e.Kind), MailDomain)
}

func kindSubdomain(kind message.EntityKind) string {
	switch kind {
	case message.KindCharacter:
		return "char"
	case message.KindCorporation:
		return "corp"
	case message.KindAlliance:
		return "alliance"
	case message.KindMailingList:
		return "ml"
	}
	return "unknown"
}

// View is one EVE mail seen through the mailbox protocol.  Identity
// and envelope data are fixed at construction; the body is memoized
// on first fetch.  Safe for concurrent use.
type View struct {
	characterID int32
	mailID      int64
	timestamp   time.Time
	subject     string
	read        bool
	from        Entity
	to          []Entity

	deps Deps

	// mu guards body.  The lock is held across the remote fetch
	// so racing first readers trigger exactly one call; a failed
	// fetch leaves body nil and is retried on the next read.
	mu   sync.Mutex
	body *string
}

// New builds the view for one header, resolving every participant's
// display name.  A failed resolution logs and degrades to
// UnresolvedName.
func New(ctx context.Context, characterID int32, hdr message.Header, deps Deps) *View {
	v := &View{
		characterID: characterID,
		mailID:      hdr.MailID,
		timestamp:   hdr.Timestamp,
		subject:     hdr.Subject,
		read:        hdr.IsRead,
		deps:        deps,
	}
	v.from = v.resolve(ctx, message.Recipient{ID: hdr.From, Kind: message.KindCharacter})
	for _, r := range hdr.Recipients {
		v.to = append(v.to, v.resolve(ctx, r))
	}
	return v
}

func (v *View) resolve(ctx context.Context, r message.Recipient) Entity {
	name, err := v.resolveName(ctx, r)
	if err != nil {
		log.Printf("view: unable to resolve %s %d: %v", r.Kind, r.ID, err)
		name = UnresolvedName
	}
	return Entity{ID: r.ID, Kind: r.Kind, Name: name}
}

func (v *View) resolveName(ctx context.Context, r message.Recipient) (string, error) {
	switch r.Kind {
	case message.KindCharacter:
		return v.deps.Resolver.CharacterName(ctx, r.ID)
	case message.KindCorporation:
		return v.deps.Resolver.CorporationName(ctx, r.ID)
	case message.KindAlliance:
		return v.deps.Resolver.AllianceName(ctx, r.ID)
	case message.KindMailingList:
		tok, err := v.deps.Creds.Token(ctx, v.characterID, v.deps.Window)
		if err != nil {
			return "", err
		}
		return v.deps.Resolver.MailingListName(ctx, v.characterID, r.ID, tok)
	}
	return "", errors.Errorf("unknown recipient kind %q", r.Kind)
}

// Recipients returns the resolved recipients in remote order.
func (v *View) Recipients() []Entity {
	return append([]Entity(nil), v.to...)
}

// InternalDate returns the remote send timestamp.
func (v *View) InternalDate() time.Time { return v.timestamp }

// Body returns the mail body, fetching it from ESI on first call.
// Concurrent first callers share a single fetch and observe the same
// bytes.  Errors are returned, not memoized.
func (v *View) Body(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.body != nil {
		return []byte(*v.body), nil
	}
	tok, err := v.deps.Creds.Token(ctx, v.characterID, v.deps.Window)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching body of mail %d", v.mailID)
	}
	body, err := v.deps.Bodies.FetchBody(ctx, v.characterID, v.mailID, tok)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching body of mail %d", v.mailID)
	}
	v.body = &body
	return []byte(body), nil
}

// Header synthesizes the RFC 5322-style header block:
//
//	From: John Doe <90000001@char.evemail.orbital.enterprises>
//	To: Mary Smith <90000002@char.evemail.orbital.enterprises>
//	Subject: Saying Hello
//	Date: Fri, 21 Nov 1997 09:55:06 -0600
//	Message-ID: <7@evemail.orbital.enterprises>
//
// It is deterministic and never performs I/O.
func (v *View) Header() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s <%s>\r\n", v.from.Name, v.from.Address())
	b.WriteString("To: ")
	for i, r := range v.to {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s <%s>", r.Name, r.Address())
	}
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n", v.subject)
	fmt.Fprintf(&b, "Date: %s\r\n", v.timestamp.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	fmt.Fprintf(&b, "Message-ID: <%d@%s>\r\n", v.mailID, MailDomain)
	b.WriteString("\r\n")
	return b.Bytes()
}

// FullContent returns header plus body.  When the body cannot be
// fetched the result degrades to the header alone, so size and line
// counts computed from it stay consistent with what a client will
// actually receive.
func (v *View) FullContent(ctx context.Context) []byte {
	content := v.Header()
	body, err := v.Body(ctx)
	if err != nil {
		log.Printf("view: serving header-only content for mail %d: %v", v.mailID, err)
		return content
	}
	return append(content, body...)
}

// Envelope renders the construction-time data as an IMAP envelope.
func (v *View) Envelope() *imap.Envelope {
	from := []*imap.Address{entityAddress(v.from)}
	to := make([]*imap.Address, 0, len(v.to))
	for _, r := range v.to {
		to = append(to, entityAddress(r))
	}
	return &imap.Envelope{
		Date:      v.timestamp,
		Subject:   v.subject,
		From:      from,
		Sender:    from,
		To:        to,
		MessageId: fmt.Sprintf("<%d@%s>", v.mailID, MailDomain),
	}
}

func entityAddress(e Entity) *imap.Address {
	return &imap.Address{
		PersonalName: e.Name,
		MailboxName:  fmt.Sprintf("%d", e.ID),
		HostName:     fmt.Sprintf("%s.%s", kindSubdomain(e.Kind), MailDomain),
	}
}

// Flags returns the initial flag set for the view when it enters a
// cache: \Seen when the mail was read in game, nothing else.
// Answered, deleted and draft are not representable in EVE and stay
// false; \Recent is a cache-assigned property, never intrinsic.
func (v *View) Flags() []string {
	if v.read {
		return []string{imap.SeenFlag}
	}
	return nil
}
