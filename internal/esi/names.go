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

package esi

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Display name resolution.  Characters, corporations and alliances
// resolve through the public /universe/names/ endpoint; mailing lists
// are private to the subscribed character and need a token.

var errNameNotFound = errors.New("esi: name not found")

type universeName struct {
	ID       int32  `json:"id"`
	Category string `json:"category"`
	Name     string `json:"name"`
}

func (c *Client) universeName(ctx context.Context, id int32, category string) (string, error) {
	var out []universeName
	if err := c.do(ctx, "POST", "/universe/names/", "", nil, []int32{id}, &out); err != nil {
		return "", errors.Wrapf(err, "resolving name of %s %d", category, id)
	}
	for _, n := range out {
		if n.ID == id && n.Category == category {
			return n.Name, nil
		}
	}
	return "", errors.Wrapf(errNameNotFound, "no %s with ID %d", category, id)
}

// CharacterName resolves a character ID to its display name.
func (c *Client) CharacterName(ctx context.Context, characterID int32) (string, error) {
	return c.universeName(ctx, characterID, "character")
}

// CorporationName resolves a corporation ID to its display name.
func (c *Client) CorporationName(ctx context.Context, corporationID int32) (string, error) {
	return c.universeName(ctx, corporationID, "corporation")
}

// AllianceName resolves an alliance ID to its display name.
func (c *Client) AllianceName(ctx context.Context, allianceID int32) (string, error) {
	return c.universeName(ctx, allianceID, "alliance")
}

type mailingList struct {
	MailingListID int32  `json:"mailing_list_id"`
	Name          string `json:"name"`
}

// MailingListName resolves a mailing list ID to its name.  Mailing
// list membership is only visible to the subscribed character, so the
// call is scoped to characterID and requires a token.
func (c *Client) MailingListName(ctx context.Context, characterID, mailingListID int32, token string) (string, error) {
	var out []mailingList
	path := fmt.Sprintf("/characters/%d/mail/lists/", characterID)
	if err := c.get(ctx, path, token, nil, &out); err != nil {
		return "", errors.Wrapf(err, "listing mailing lists for character %d", characterID)
	}
	for _, l := range out {
		if l.MailingListID == mailingListID {
			return l.Name, nil
		}
	}
	return "", errors.Wrapf(errNameNotFound, "character %d is not subscribed to mailing list %d", characterID, mailingListID)
}
