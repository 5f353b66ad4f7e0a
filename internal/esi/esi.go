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

// Package esi is a minimal client for the EVE Swagger Interface mail
// and name-resolution endpoints.  Only the calls the bridge needs are
// implemented.
package esi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/OrbitalEnterprises/evemail/internal/message"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://esi.evetech.net/latest"

	// ESI enforces an error budget rather than a hard request
	// quota.  Staying around twenty requests per second keeps a
	// busy bridge well inside it.
	rateLimitPerSecond = 20
	rateLimitBurst     = 40

	// ESI returns at most this many headers per mail listing page.
	headerPageSize = 50
)

var (
	// ErrMailNotFound reports a mail ID that no longer exists
	// remotely, typically because the character deleted it in
	// game between our listing and the body fetch.
	ErrMailNotFound = errors.New("esi: mail not found")
)

// StatusError is a non-2xx response from ESI.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("esi: unexpected status %d: %s", e.Code, e.Body)
}

// Client provides access to one ESI deployment.  It is safe for
// concurrent use; a shared limiter paces all calls.
type Client struct {
	http      *http.Client
	base      string
	userAgent string
	limiter   *rate.Limiter
}

func New(client *http.Client, base, userAgent string) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		http:      client,
		base:      base,
		userAgent: userAgent,
		limiter:   rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}
}

func (c *Client) get(ctx context.Context, path, token string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, token, query, nil, out)
}

func (c *Client) do(ctx context.Context, method, path, token string, query url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		payload = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, payload)
	if err != nil {
		return errors.Wrapf(err, "building request for %s", path)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "calling %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return ErrMailNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: string(text)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding response from %s", path)
	}
	return nil
}

type labelsResponse struct {
	Labels []struct {
		LabelID     int32  `json:"label_id"`
		Name        string `json:"name"`
		UnreadCount int32  `json:"unread_count"`
	} `json:"labels"`
	TotalUnreadCount int32 `json:"total_unread_count"`
}

// ListLabels returns the character's current mail labels.
func (c *Client) ListLabels(ctx context.Context, characterID int32, token string) ([]message.Label, error) {
	var out labelsResponse
	path := fmt.Sprintf("/characters/%d/mail/labels/", characterID)
	if err := c.get(ctx, path, token, nil, &out); err != nil {
		return nil, errors.Wrapf(err, "listing mail labels for character %d", characterID)
	}
	labels := make([]message.Label, 0, len(out.Labels))
	for _, l := range out.Labels {
		labels = append(labels, message.Label{ID: l.LabelID, Name: l.Name, UnreadCount: l.UnreadCount})
	}
	return labels, nil
}

type headerResponse struct {
	MailID     int64     `json:"mail_id"`
	From       int32     `json:"from"`
	Subject    string    `json:"subject"`
	Timestamp  time.Time `json:"timestamp"`
	IsRead     bool      `json:"is_read"`
	Labels     []int32   `json:"labels"`
	Recipients []struct {
		RecipientID   int32  `json:"recipient_id"`
		RecipientType string `json:"recipient_type"`
	} `json:"recipients"`
}

func (h *headerResponse) toHeader() message.Header {
	hdr := message.Header{
		MailID:    h.MailID,
		From:      h.From,
		Subject:   h.Subject,
		Timestamp: h.Timestamp,
		IsRead:    h.IsRead,
		Labels:    h.Labels,
	}
	for _, r := range h.Recipients {
		hdr.Recipients = append(hdr.Recipients, message.Recipient{
			ID:   r.RecipientID,
			Kind: message.EntityKind(r.RecipientType),
		})
	}
	return hdr
}

// ListMailHeaders returns all mail headers for the character,
// following ESI's last_mail_id pagination until the listing is
// exhausted.
func (c *Client) ListMailHeaders(ctx context.Context, characterID int32, token string) ([]message.Header, error) {
	path := fmt.Sprintf("/characters/%d/mail/", characterID)
	var all []message.Header
	var lastMailID int64
	for {
		query := url.Values{}
		if lastMailID != 0 {
			query.Set("last_mail_id", strconv.FormatInt(lastMailID, 10))
		}
		var page []headerResponse
		if err := c.get(ctx, path, token, query, &page); err != nil {
			return nil, errors.Wrapf(err, "listing mail headers for character %d", characterID)
		}
		for _, h := range page {
			all = append(all, h.toHeader())
			if lastMailID == 0 || h.MailID < lastMailID {
				lastMailID = h.MailID
			}
		}
		log.Printf("esi: listed page of mail headers; count %d; total so far %d", len(page), len(all))
		if len(page) < headerPageSize {
			return all, nil
		}
	}
}

type bodyResponse struct {
	Body string `json:"body"`
}

// FetchBody retrieves the body of one mail.  Returns ErrMailNotFound
// if the mail has vanished remotely.
func (c *Client) FetchBody(ctx context.Context, characterID int32, mailID int64, token string) (string, error) {
	var out bodyResponse
	path := fmt.Sprintf("/characters/%d/mail/%d/", characterID, mailID)
	if err := c.get(ctx, path, token, nil, &out); err != nil {
		if errors.Cause(err) == ErrMailNotFound {
			return "", ErrMailNotFound
		}
		return "", errors.Wrapf(err, "fetching body of mail %d for character %d", mailID, characterID)
	}
	return out.Body, nil
}
