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

// Package token supplies non-expired EVE SSO bearer tokens for
// authorized characters, refreshing transparently through the stored
// refresh token when the current access token is inside the expiry
// window.
//
// The broker never retries a failed refresh; the caller decides
// whether its operation is retryable.  A refresh token SSO rejects is
// cleared from the account store so the user is forced back through
// the authorization flow instead of hammering SSO with a dead token.
package token

import (
	"context"
	"log"
	"time"

	"github.com/OrbitalEnterprises/evemail/internal/persist"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Endpoint is the EVE Online SSO OAuth 2.0 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://login.eveonline.com/v2/oauth/authorize",
	TokenURL: "https://login.eveonline.com/v2/oauth/token",
}

var (
	// ErrNoRefreshToken reports an account whose refresh token is
	// missing or was previously invalidated.
	ErrNoRefreshToken = errors.New("token: no valid refresh token")

	// ErrRefreshFailed reports an SSO refresh that was rejected.
	ErrRefreshFailed = errors.New("token: refresh failed")
)

// Broker hands out bearer tokens for authorized characters.  Safe for
// concurrent use; the account store serializes the underlying rows.
type Broker struct {
	db   *persist.DB
	conf *oauth2.Config

	// now is replaceable in tests.
	now func() time.Time
}

func NewBroker(db *persist.DB, clientID, clientSecret string) *Broker {
	return &Broker{
		db: db,
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     Endpoint,
		},
		now: time.Now,
	}
}

// Token returns a bearer token for the character that will remain
// valid for at least window.  The stored access token is reused when
// it satisfies the window; otherwise a refresh is performed and the
// rotated token set is written back to the account store.
func (b *Broker) Token(ctx context.Context, characterID int32, window time.Duration) (string, error) {
	acct, err := b.db.Account(ctx, characterID)
	if err != nil {
		return "", err
	}

	if acct.AccessToken != "" && b.now().Add(window).Before(acct.TokenExpiry) {
		return acct.AccessToken, nil
	}

	if acct.RefreshToken == "" {
		return "", errors.Wrapf(ErrNoRefreshToken, "character %d", characterID)
	}

	src := b.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: acct.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		// SSO rejected the refresh token; invalidate it so the
		// next attempt fails fast with ErrNoRefreshToken.
		if clearErr := b.db.ClearRefreshToken(ctx, characterID); clearErr != nil {
			log.Printf("token: failed to clear rejected refresh token for character %d: %v", characterID, clearErr)
		}
		return "", errors.Wrapf(ErrRefreshFailed, "character %d: %v", characterID, err)
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		// SSO did not rotate the refresh token; keep the old one.
		refresh = acct.RefreshToken
	}
	if err := b.db.UpdateToken(ctx, characterID, tok.AccessToken, refresh, tok.Expiry); err != nil {
		return "", errors.Wrapf(err, "saving refreshed token for character %d", characterID)
	}
	return tok.AccessToken, nil
}
