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

// Package mailbox maintains the virtual mailbox namespace for each
// authorized character.  Mailboxes mirror the character's EVE mail
// labels, plus two fixed local mailboxes ("Trash" and "Bounced") that
// EVE does not represent.
package mailbox

import (
	"math/rand"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// TrashName holds locally deleted mail.  EVE does not expose
	// its trash, so this mailbox is never populated remotely.
	TrashName = "Trash"

	// BouncedName captures outgoing mail the bridge could not
	// deliver to EVE, and notices about authentication problems.
	BouncedName = "Bounced"
)

// reservedNames are mailbox names that reconciliation never removes,
// whether or not a matching EVE label exists.
//
// Inbox, Sent, [Corp] and [Alliance] alias default EVE labels.  Trash
// and Bounced are local to this service.  IMAP insists on spelling
// the inbox INBOX, so that name is reserved too and treated as an
// alias for the EVE "Inbox" label.
var reservedNames = map[string]bool{
	"INBOX":      true,
	"Inbox":      true,
	"Sent":       true,
	"[Corp]":     true,
	"[Alliance]": true,
	TrashName:    true,
	BouncedName:  true,
}

// ReservedName reports whether name is exempt from reconciliation
// removal.
func ReservedName(name string) bool {
	return reservedNames[name]
}

var (
	// ErrNotFound reports a path or ID with no matching mailbox.
	ErrNotFound = errors.New("mailbox: not found")

	// ErrExists reports a save that would claim a path already
	// occupied by a different mailbox.
	ErrExists = errors.New("mailbox: already exists")

	// ErrMalformedIdentity reports a protocol user name that does
	// not parse into a character ID.
	ErrMalformedIdentity = errors.New("mailbox: malformed user identity")
)

// Path addresses one mailbox within a user's namespace.  Names are
// case sensitive.
type Path struct {
	Namespace string
	User      string
	Name      string
}

func (p Path) String() string {
	if p.Namespace == "" {
		return p.User + ":" + p.Name
	}
	return p.Namespace + ":" + p.User + ":" + p.Name
}

// Mailbox is one virtual mailbox.  The struct is a plain value;
// lookups hand out copies, so callers can mutate a result without
// touching directory state.
type Mailbox struct {
	// ID is process unique and survives renames and
	// reconciliation runs for as long as the mailbox exists.
	ID uint64

	Path Path

	// UIDValidity distinguishes incarnations of a mailbox.  A
	// client that cached UIDs under an old incarnation must
	// discard them when the value changes.
	UIDValidity uint32

	// LabelID is the EVE label backing this mailbox, or zero for
	// the local-only mailboxes.
	LabelID int32
}

// newUIDValidity returns a non-zero random stamp for a fresh mailbox
// incarnation.
func newUIDValidity() uint32 {
	for {
		if v := rand.Uint32(); v != 0 {
			return v
		}
	}
}

// ParseCharacterID extracts the numeric EVE character ID from a
// protocol user name of the form "<characterID>@<domain>".  The bare
// "<characterID>" form is accepted too.
func ParseCharacterID(user string) (int32, error) {
	name := user
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	id, err := strconv.ParseInt(name, 10, 32)
	if err != nil || id <= 0 {
		return 0, errors.Wrapf(ErrMalformedIdentity, "user name %q", user)
	}
	return int32(id), nil
}

// wildcardMatch reports whether name matches pattern, where '%'
// matches any run of characters (including none) and every other
// character matches itself.
func wildcardMatch(pattern, name string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return pattern == name
	}
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		i := strings.Index(name, part)
		if i < 0 {
			return false
		}
		name = name[i+len(part):]
	}
	return strings.HasSuffix(name, last)
}
