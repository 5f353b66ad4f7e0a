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
	"bufio"
	"bytes"
	"context"
	"io"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/pkg/errors"
)

// literalContent adapts a client-appended message to cache.Content.
// Unlike EVE-backed views it is fully materialized up front; nothing
// here ever touches the network.
type literalContent struct {
	date   time.Time
	header []byte
	body   []byte

	subject string
	from    []*imap.Address
	to      []*imap.Address
}

func newLiteralContent(date time.Time, literal imap.Literal) (*literalContent, error) {
	raw, err := io.ReadAll(literal)
	if err != nil {
		return nil, errors.Wrap(err, "reading appended message")
	}
	c := &literalContent{date: date}

	header, body, found := bytes.Cut(raw, []byte("\r\n\r\n"))
	if !found {
		header, body, _ = bytes.Cut(raw, []byte("\n\n"))
	}
	c.header = append(append([]byte(nil), header...), "\r\n\r\n"...)
	c.body = body

	mimeHeader, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(c.header))).ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return c, nil // keep the raw content even if the header is odd
	}
	c.subject = mimeHeader.Get("Subject")
	c.from = parseAddressList(mimeHeader.Get("From"))
	c.to = parseAddressList(mimeHeader.Get("To"))
	return c, nil
}

func parseAddressList(value string) []*imap.Address {
	if value == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(value)
	if err != nil {
		return nil
	}
	addrs := make([]*imap.Address, 0, len(parsed))
	for _, a := range parsed {
		mbox, host, _ := splitAddress(a.Address)
		addrs = append(addrs, &imap.Address{
			PersonalName: a.Name,
			MailboxName:  mbox,
			HostName:     host,
		})
	}
	return addrs
}

func splitAddress(addr string) (mbox, host string, ok bool) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, "", false
	}
	return addr[:i], addr[i+1:], true
}

func (c *literalContent) Header() []byte { return append([]byte(nil), c.header...) }

func (c *literalContent) Body(context.Context) ([]byte, error) {
	return append([]byte(nil), c.body...), nil
}

func (c *literalContent) FullContent(context.Context) []byte {
	return append(c.Header(), c.body...)
}

func (c *literalContent) InternalDate() time.Time { return c.date }

func (c *literalContent) Envelope() *imap.Envelope {
	return &imap.Envelope{
		Date:    c.date,
		Subject: c.subject,
		From:    c.from,
		Sender:  c.from,
		To:      c.to,
	}
}
