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

// Package imapbridge exposes the mailbox engine over IMAP using
// emersion/go-imap.  All behavioral contracts live in the engine;
// this package only translates.
package imapbridge

import (
	"context"
	"log"
	"time"

	"github.com/OrbitalEnterprises/evemail/internal/cache"
	"github.com/OrbitalEnterprises/evemail/internal/mailbox"
	"github.com/OrbitalEnterprises/evemail/internal/persist"
	"github.com/OrbitalEnterprises/evemail/internal/sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/pkg/errors"
)

// Delimiter is the mailbox hierarchy delimiter the bridge
// advertises.  EVE labels are flat, but clients may create nested
// names under Trash.
const Delimiter = "/"

// Backend implements backend.Backend over the engine.
type Backend struct {
	registry *mailbox.Registry
	store    *cache.Store
	accounts *persist.DB
	sync     *sync.Synchronizer
}

func NewBackend(registry *mailbox.Registry, store *cache.Store, accounts *persist.DB, sync *sync.Synchronizer) *Backend {
	return &Backend{
		registry: registry,
		store:    store,
		accounts: accounts,
		sync:     sync,
	}
}

// Login authenticates a protocol session.  User names carry the EVE
// character ID ("91000001@evemail.orbital.enterprises"); the password
// is the bridge password chosen when the account was authorized.
func (b *Backend) Login(_ *imap.ConnInfo, username, password string) (backend.User, error) {
	characterID, err := mailbox.ParseCharacterID(username)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := b.accounts.Authenticate(ctx, characterID, password); err != nil {
		return nil, errors.Wrapf(err, "login failed for character %d", characterID)
	}
	dir, err := b.registry.Directory(ctx, username)
	if err != nil {
		return nil, errors.Wrapf(err, "login failed for character %d", characterID)
	}
	log.Printf("imap: character %d logged in", characterID)
	return &User{backend: b, dir: dir}, nil
}

// User implements backend.User for one logged-in character.
type User struct {
	backend *Backend
	dir     *mailbox.Directory
}

func (u *User) Username() string {
	return u.dir.User()
}

func (u *User) ListMailboxes(subscribed bool) ([]backend.Mailbox, error) {
	ctx, cancel := opCtx()
	defer cancel()
	boxes, err := u.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]backend.Mailbox, 0, len(boxes))
	for _, mb := range boxes {
		result = append(result, &Mailbox{user: u, mb: mb})
	}
	return result, nil
}

// GetMailbox resolves a mailbox by name and brings its message cache
// up to date with EVE.  A remote failure fails the call; clients
// treat it as a temporary error and retry.
func (u *User) GetMailbox(name string) (backend.Mailbox, error) {
	mb, err := u.dir.FindByName(name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := opCtx()
	defer cancel()
	if err := u.backend.sync.Mailbox(ctx, u.dir, mb); err != nil {
		return nil, err
	}
	return &Mailbox{user: u, mb: mb}, nil
}

func (u *User) CreateMailbox(name string) error {
	mb := mailbox.Mailbox{Path: mailbox.Path{User: u.dir.User(), Name: name}}
	_, err := u.dir.Save(&mb)
	return err
}

func (u *User) DeleteMailbox(name string) error {
	if mailbox.ReservedName(name) {
		return errors.Errorf("mailbox %q cannot be deleted", name)
	}
	mb, err := u.dir.FindByName(name)
	if err != nil {
		return err
	}
	u.dir.Delete(mb)
	u.backend.store.DropMailbox(mb.ID)
	return nil
}

// RenameMailbox moves the mailbox to a new name.  The mailbox ID is
// preserved, so its cached messages move with it.
func (u *User) RenameMailbox(existingName, newName string) error {
	mb, err := u.dir.FindByName(existingName)
	if err != nil {
		return err
	}
	mb.Path.Name = newName
	_, err = u.dir.Save(&mb)
	return err
}

func (u *User) Logout() error {
	return nil
}

// opCtx bounds one protocol operation that may reach EVE.
func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}
