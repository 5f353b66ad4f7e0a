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
	"time"

	"github.com/OrbitalEnterprises/evemail/internal/cache"
	"github.com/OrbitalEnterprises/evemail/internal/mailbox"

	"github.com/emersion/go-imap"
)

// Mailbox implements backend.Mailbox over one virtual mailbox.
type Mailbox struct {
	user *User
	mb   mailbox.Mailbox
}

func (m *Mailbox) Name() string {
	return m.mb.Path.Name
}

func (m *Mailbox) store() *cache.Store {
	return m.user.backend.store
}

func (m *Mailbox) Info() (*imap.MailboxInfo, error) {
	info := &imap.MailboxInfo{
		Delimiter: Delimiter,
		Name:      m.mb.Path.Name,
	}
	if m.user.dir.HasChildren(m.mb, Delimiter) {
		info.Attributes = append(info.Attributes, imap.HasChildrenAttr)
	} else {
		info.Attributes = append(info.Attributes, imap.HasNoChildrenAttr)
	}
	return info, nil
}

func (m *Mailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	status := imap.NewMailboxStatus(m.mb.Path.Name, items)
	status.Flags = m.store().ApplicableFlags(m.mb.ID)
	status.PermanentFlags = append(append([]string(nil), status.Flags...), "\\*")
	if uid, ok := m.store().FirstUnseenUID(m.mb.ID); ok {
		status.UnseenSeqNum = m.seqNumOf(uid)
	}

	for _, item := range items {
		switch item {
		case imap.StatusMessages:
			status.Messages = uint32(m.store().Count(m.mb.ID))
		case imap.StatusRecent:
			status.Recent = uint32(len(m.store().RecentUIDs(m.mb.ID)))
		case imap.StatusUnseen:
			status.Unseen = uint32(m.store().CountUnseen(m.mb.ID))
		case imap.StatusUidNext:
			status.UidNext = uint32(m.store().UIDs().Last() + 1)
		case imap.StatusUidValidity:
			status.UidValidity = m.mb.UIDValidity
		}
	}
	return status, nil
}

// seqNumOf returns the 1-based position of uid in ascending UID
// order, or zero if the UID is absent.
func (m *Mailbox) seqNumOf(uid uint64) uint32 {
	for i, msg := range m.store().Messages(m.mb.ID) {
		if msg.UID == uid {
			return uint32(i + 1)
		}
	}
	return 0
}

func (m *Mailbox) SetSubscribed(subscribed bool) error {
	return nil
}

// Check synchronizes the mailbox against EVE.
func (m *Mailbox) Check() error {
	ctx, cancel := opCtx()
	defer cancel()
	return m.user.backend.sync.Mailbox(ctx, m.user.dir, m.mb)
}

// matches reports whether the message at 1-based position seqNum with
// the given UID is selected by set, interpreting set as UIDs or
// sequence numbers per uid.
func matches(set *imap.SeqSet, uid bool, seqNum uint32, msgUID uint64) bool {
	if uid {
		return set.Contains(uint32(msgUID))
	}
	return set.Contains(seqNum)
}

func (m *Mailbox) ListMessages(uid bool, set *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)
	ctx, cancel := opCtx()
	defer cancel()

	for i, msg := range m.store().Messages(m.mb.ID) {
		seqNum := uint32(i + 1)
		if !matches(set, uid, seqNum, msg.UID) {
			continue
		}
		fetched, err := m.fetch(ctx, seqNum, msg, items)
		if err != nil {
			return err
		}
		ch <- fetched
	}
	return nil
}

func (m *Mailbox) fetch(ctx context.Context, seqNum uint32, msg *cache.Message, items []imap.FetchItem) (*imap.Message, error) {
	fetched := imap.NewMessage(seqNum, items)
	for _, item := range items {
		switch item {
		case imap.FetchEnvelope:
			fetched.Envelope = msg.Content.Envelope()
		case imap.FetchFlags:
			fetched.Flags = append([]string(nil), msg.Flags...)
		case imap.FetchInternalDate:
			fetched.InternalDate = msg.Content.InternalDate()
		case imap.FetchRFC822Size:
			fetched.Size = uint32(len(msg.Content.FullContent(ctx)))
		case imap.FetchUid:
			fetched.Uid = uint32(msg.UID)
		case imap.FetchBodyStructure, imap.FetchBody:
			body, err := msg.Content.Body(ctx)
			if err != nil {
				// Structure degrades with content: report
				// what a full fetch would actually return.
				body = nil
			}
			fetched.BodyStructure = &imap.BodyStructure{
				MIMEType:    "text",
				MIMESubType: "plain",
				Params:      map[string]string{"charset": "utf-8"},
				Size:        uint32(len(body)),
			}
		default:
			section, err := imap.ParseBodySectionName(item)
			if err != nil {
				break
			}
			literal, err := m.section(ctx, msg, section)
			if err != nil {
				return nil, err
			}
			fetched.Body[section] = literal
		}
	}
	return fetched, nil
}

func (m *Mailbox) section(ctx context.Context, msg *cache.Message, section *imap.BodySectionName) (imap.Literal, error) {
	var content []byte
	switch section.Specifier {
	case imap.HeaderSpecifier:
		content = msg.Content.Header()
	case imap.TextSpecifier:
		body, err := msg.Content.Body(ctx)
		if err != nil {
			return nil, err
		}
		content = body
	default:
		content = msg.Content.FullContent(ctx)
	}
	return bytes.NewBuffer(section.ExtractPartial(content)), nil
}

func (m *Mailbox) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	var results []uint32
	for i, msg := range m.store().Messages(m.mb.ID) {
		seqNum := uint32(i + 1)
		if !matchesCriteria(seqNum, msg, criteria) {
			continue
		}
		if uid {
			results = append(results, uint32(msg.UID))
		} else {
			results = append(results, seqNum)
		}
	}
	return results, nil
}

func matchesCriteria(seqNum uint32, msg *cache.Message, c *imap.SearchCriteria) bool {
	if c == nil {
		return true
	}
	if c.SeqNum != nil && !c.SeqNum.Contains(seqNum) {
		return false
	}
	if c.Uid != nil && !c.Uid.Contains(uint32(msg.UID)) {
		return false
	}
	date := msg.Content.InternalDate()
	if !c.Since.IsZero() && !date.After(c.Since) {
		return false
	}
	if !c.Before.IsZero() && !date.Before(c.Before) {
		return false
	}
	for _, f := range c.WithFlags {
		if !msg.HasFlag(f) {
			return false
		}
	}
	for _, f := range c.WithoutFlags {
		if msg.HasFlag(f) {
			return false
		}
	}
	for _, not := range c.Not {
		if matchesCriteria(seqNum, msg, not) {
			return false
		}
	}
	for _, or := range c.Or {
		if !matchesCriteria(seqNum, msg, or[0]) && !matchesCriteria(seqNum, msg, or[1]) {
			return false
		}
	}
	return true
}

// CreateMessage stores appended mail locally.  Appended mail has no
// EVE counterpart; it lives only in this cache and is never removed
// by synchronization.
func (m *Mailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	content, err := newLiteralContent(date, body)
	if err != nil {
		return err
	}
	msg := &cache.Message{
		Flags:   append([]string(nil), flags...),
		Content: content,
	}
	if !msg.HasFlag(imap.RecentFlag) {
		msg.Flags = append(msg.Flags, imap.RecentFlag)
	}
	m.store().Save(m.mb.ID, msg)
	return nil
}

func (m *Mailbox) UpdateMessagesFlags(uid bool, set *imap.SeqSet, op imap.FlagsOp, flags []string) error {
	m.store().UpdateFlags(m.mb.ID, m.uidSet(uid, set), op, flags)
	return nil
}

func (m *Mailbox) CopyMessages(uid bool, set *imap.SeqSet, destName string) error {
	dest, err := m.user.dir.FindByName(destName)
	if err != nil {
		return err
	}
	for _, msg := range m.store().FindInRange(m.mb.ID, m.uidSet(uid, set), 0) {
		m.store().Copy(dest.ID, msg)
	}
	return nil
}

// MoveMessages implements the MOVE extension: copy to dest, then
// remove the originals.
func (m *Mailbox) MoveMessages(uid bool, set *imap.SeqSet, destName string) error {
	dest, err := m.user.dir.FindByName(destName)
	if err != nil {
		return err
	}
	for _, msg := range m.store().FindInRange(m.mb.ID, m.uidSet(uid, set), 0) {
		m.store().Move(dest.ID, m.mb.ID, msg)
	}
	return nil
}

func (m *Mailbox) Expunge() error {
	m.store().ExpungeDeleted(m.mb.ID, nil)
	return nil
}

// uidSet translates a sequence-number set into a UID set.  UID sets
// pass through untouched.
func (m *Mailbox) uidSet(uid bool, set *imap.SeqSet) *imap.SeqSet {
	if uid {
		return set
	}
	translated := new(imap.SeqSet)
	for i, msg := range m.store().Messages(m.mb.ID) {
		if set.Contains(uint32(i + 1)) {
			translated.AddNum(uint32(msg.UID))
		}
	}
	return translated
}
