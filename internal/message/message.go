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

package message

// This file provides the common data objects used by the rest of the
// program.

import "time"

// EntityKind names the kind of EVE entity that can send or receive
// mail.  The set is closed; ESI defines exactly these four.
type EntityKind string

const (
	KindCharacter   EntityKind = "character"
	KindCorporation EntityKind = "corporation"
	KindAlliance    EntityKind = "alliance"
	KindMailingList EntityKind = "mailing_list"
)

// Valid reports whether k is one of the four ESI recipient kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case KindCharacter, KindCorporation, KindAlliance, KindMailingList:
		return true
	}
	return false
}

// Label is one mail label as reported by ESI.  Labels are the remote
// source of mailbox identity: every label becomes a virtual mailbox.
type Label struct {
	// ESI label identifier, stable for the life of the label.
	ID int32

	// User visible label name.  The EVE client pre-creates
	// "Inbox", "Sent", "[Corp]" and "[Alliance]"; players may add
	// their own.
	Name string

	// Unread message count as of the listing call.
	UnreadCount int32
}

// Recipient identifies one mail participant without a resolved
// display name.
type Recipient struct {
	ID   int32
	Kind EntityKind
}

// Header is the metadata ESI returns for one mail in a character's
// mailbox listing.  The body is not included; it must be fetched
// separately per mail.
type Header struct {
	// ESI mail identifier, unique within the owning character's
	// mail.
	MailID int64

	// Sending character ID.  EVE mail is always sent by a
	// character.
	From int32

	Subject   string
	Timestamp time.Time

	// Whether the character has read the mail in game.
	IsRead bool

	// Label IDs attached to the mail.
	Labels []int32

	Recipients []Recipient
}

// HasLabel reports whether the header carries the given label ID.
func (h *Header) HasLabel(id int32) bool {
	for _, l := range h.Labels {
		if l == id {
			return true
		}
	}
	return false
}
