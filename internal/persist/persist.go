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

// Package persist stores EVE character accounts and their SSO tokens
// in a local SQLite database.  Mailboxes and messages are never
// persisted; EVE is authoritative for those and the in-memory caches
// are rebuilt on demand.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var (
	createTableSql = []string{
		// The accounts table holds one row per authorized EVE
		// character.
		//
		// Field: character_id
		//
		//   The EVE character ID.  Protocol user names have the
		//   form "<character_id>@<domain>".
		//
		// Field: character_name
		//
		//   Display name captured when the account was
		//   authorized.  Informational only.
		//
		// Field: password_hash
		//
		//   bcrypt hash of the bridge password the user chose
		//   when authorizing the account.  This is the password
		//   their mail client logs in with; it is never the EVE
		//   account password.
		//
		// Field: access_token / refresh_token / token_expiry
		//
		//   Latest SSO bearer token, the refresh token used to
		//   rotate it, and the access token's expiry as a Unix
		//   timestamp.  refresh_token is cleared when SSO
		//   rejects it, which forces the user back through the
		//   authorization flow.
		`
CREATE TABLE IF NOT EXISTS accounts (
character_id INTEGER NOT NULL PRIMARY KEY,
character_name TEXT NOT NULL,
password_hash TEXT NOT NULL,
access_token TEXT NOT NULL DEFAULT '',
refresh_token TEXT NOT NULL DEFAULT '',
token_expiry INTEGER NOT NULL DEFAULT 0
);`,
	}
)

var (
	// ErrNoAccount reports a character ID with no authorized
	// account row.
	ErrNoAccount = errors.New("persist: no such account")

	// ErrBadPassword reports a failed password check.
	ErrBadPassword = errors.New("persist: password mismatch")
)

// Account is one authorized EVE character.
type Account struct {
	CharacterID   int32
	CharacterName string
	PasswordHash  string
	AccessToken   string
	RefreshToken  string
	TokenExpiry   time.Time
}

type DB struct {
	db *sql.DB
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short when several protocol sessions refresh
	// tokens at once; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Printf("opening account database at %q\n", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// Account returns the account for the given character ID, or
// ErrNoAccount.
func (db *DB) Account(ctx context.Context, characterID int32) (*Account, error) {
	const q = `
SELECT character_id, character_name, password_hash, access_token, refresh_token, token_expiry
FROM accounts WHERE character_id = $1`
	row := db.db.QueryRowContext(ctx, q, characterID)
	var a Account
	var expiry int64
	err := row.Scan(&a.CharacterID, &a.CharacterName, &a.PasswordHash,
		&a.AccessToken, &a.RefreshToken, &expiry)
	if err == sql.ErrNoRows {
		return nil, ErrNoAccount
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading account %d", characterID)
	}
	if expiry != 0 {
		a.TokenExpiry = time.Unix(expiry, 0)
	}
	return &a, nil
}

// SaveAccount inserts or replaces the account row.
func (db *DB) SaveAccount(ctx context.Context, a *Account) error {
	const q = `
INSERT INTO accounts
(character_id, character_name, password_hash, access_token, refresh_token, token_expiry)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (character_id)
DO UPDATE SET (character_name, password_hash, access_token, refresh_token, token_expiry) = ($2, $3, $4, $5, $6)`
	var expiry int64
	if !a.TokenExpiry.IsZero() {
		expiry = a.TokenExpiry.Unix()
	}
	_, err := db.db.ExecContext(ctx, q, a.CharacterID, a.CharacterName,
		a.PasswordHash, a.AccessToken, a.RefreshToken, expiry)
	return errors.Wrapf(err, "saving account %d", a.CharacterID)
}

// UpdateToken records a rotated token set for the account.
func (db *DB) UpdateToken(ctx context.Context, characterID int32, access, refresh string, expiry time.Time) error {
	const q = `
UPDATE accounts SET (access_token, refresh_token, token_expiry) = ($1, $2, $3)
WHERE character_id = $4`
	var unix int64
	if !expiry.IsZero() {
		unix = expiry.Unix()
	}
	res, err := db.db.ExecContext(ctx, q, access, refresh, unix, characterID)
	if err != nil {
		return errors.Wrapf(err, "updating token for account %d", characterID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoAccount
	}
	return nil
}

// ClearRefreshToken invalidates the account's refresh token after SSO
// rejects it.
func (db *DB) ClearRefreshToken(ctx context.Context, characterID int32) error {
	const q = `UPDATE accounts SET refresh_token = '' WHERE character_id = $1`
	_, err := db.db.ExecContext(ctx, q, characterID)
	return errors.Wrapf(err, "clearing refresh token for account %d", characterID)
}

// HashPassword produces the bcrypt hash stored in password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hashing password")
	}
	return string(hash), nil
}

// Authenticate checks the bridge password for the given character.
func (db *DB) Authenticate(ctx context.Context, characterID int32, password string) (*Account, error) {
	a, err := db.Account(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) != nil {
		return nil, ErrBadPassword
	}
	return a, nil
}
