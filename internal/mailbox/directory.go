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

package mailbox

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OrbitalEnterprises/evemail/internal/message"

	"github.com/pkg/errors"
)

// LabelSource lists a character's current EVE mail labels.  Calls may
// block on the network and may fail; *esi.Client satisfies this.
type LabelSource interface {
	ListLabels(ctx context.Context, characterID int32, token string) ([]message.Label, error)
}

// Credentials supplies a bearer token valid for at least the given
// window.  *token.Broker satisfies this.
type Credentials interface {
	Token(ctx context.Context, characterID int32, window time.Duration) (string, error)
}

// Directory owns the mailbox namespace for a single user.  The
// namespace is reconciled against the user's EVE labels on every
// List call; explicit Save and Delete mutate it directly.
//
// A directory is shared by every protocol session for its user, so
// all state is guarded by mu.  Reconciliation performs its network
// fetch before taking the lock: a failed fetch mutates nothing.
type Directory struct {
	user        string
	characterID int32

	labels LabelSource
	creds  Credentials
	window time.Duration

	// ids assigns mailbox IDs.  Shared across directories so IDs
	// are process unique; the message cache is keyed by mailbox
	// ID alone.
	ids *Sequencer

	mu     sync.RWMutex
	byPath map[Path]Mailbox
}

// NewDirectory builds the directory for user, performing an initial
// reconciliation against EVE and provisioning the two fixed local
// mailboxes.  A remote failure aborts construction.
func NewDirectory(ctx context.Context, user string, labels LabelSource, creds Credentials, window time.Duration, ids *Sequencer) (*Directory, error) {
	characterID, err := ParseCharacterID(user)
	if err != nil {
		return nil, err
	}
	d := &Directory{
		user:        user,
		characterID: characterID,
		labels:      labels,
		creds:       creds,
		window:      window,
		ids:         ids,
		byPath:      make(map[Path]Mailbox),
	}
	if err := d.Reconcile(ctx); err != nil {
		return nil, err
	}

	// Every user has a Trash and a Bounced mailbox.  They are
	// never backed by an EVE label.
	for _, name := range []string{TrashName, BouncedName} {
		mb := Mailbox{
			Path:        Path{User: user, Name: name},
			UIDValidity: newUIDValidity(),
		}
		if _, err := d.Save(&mb); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// User returns the protocol user name the directory serves.
func (d *Directory) User() string { return d.user }

// CharacterID returns the EVE character backing the directory.
func (d *Directory) CharacterID() int32 { return d.characterID }

// Reconcile aligns the mailbox set with the user's current EVE
// labels: a mailbox is created for every label that has none, and
// every non-reserved mailbox whose label vanished is removed.
// Surviving mailboxes keep their IDs, so sessions holding an ID are
// never silently invalidated.  On any remote failure the namespace
// is left untouched.
func (d *Directory) Reconcile(ctx context.Context) error {
	tok, err := d.creds.Token(ctx, d.characterID, d.window)
	if err != nil {
		return errors.Wrapf(err, "refreshing mailboxes for %s", d.user)
	}
	labels, err := d.labels.ListLabels(ctx, d.characterID, tok)
	if err != nil {
		return errors.Wrapf(err, "refreshing mailboxes for %s", d.user)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	live := make(map[string]bool, len(labels))
	for _, label := range labels {
		name := label.Name
		// IMAP reserves the all-caps spelling for the inbox.
		if name == "Inbox" {
			name = "INBOX"
		}
		live[name] = true
		path := Path{User: d.user, Name: name}
		if mb, ok := d.byPath[path]; ok {
			if mb.LabelID != label.ID {
				mb.LabelID = label.ID
				d.byPath[path] = mb
			}
			continue
		}
		d.byPath[path] = Mailbox{
			ID:          d.ids.Next(),
			Path:        path,
			UIDValidity: newUIDValidity(),
			LabelID:     label.ID,
		}
	}

	for path := range d.byPath {
		if !live[path.Name] && !reservedNames[path.Name] {
			log.Printf("mailbox: label for %q vanished, dropping mailbox", path)
			delete(d.byPath, path)
		}
	}
	return nil
}

// FindByPath returns the mailbox at path, or ErrNotFound.
func (d *Directory) FindByPath(path Path) (Mailbox, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	mb, ok := d.byPath[path]
	if !ok {
		return Mailbox{}, errors.Wrapf(ErrNotFound, "path %s", path)
	}
	return mb, nil
}

// FindByName is FindByPath for the default namespace.
func (d *Directory) FindByName(name string) (Mailbox, error) {
	return d.FindByPath(Path{User: d.user, Name: name})
}

// FindByID returns the mailbox with the given ID, or ErrNotFound.
// A linear scan is fine; the namespace is bounded by the character's
// label count.
func (d *Directory) FindByID(id uint64) (Mailbox, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, mb := range d.byPath {
		if mb.ID == id {
			return mb, nil
		}
	}
	return Mailbox{}, errors.Wrapf(ErrNotFound, "mailbox ID %d", id)
}

// FindWithPathLike returns every mailbox whose namespace and user
// match path and whose name matches path.Name, with '%' matching any
// run of characters.  Results are sorted by name.
func (d *Directory) FindWithPathLike(path Path) []Mailbox {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var results []Mailbox
	for _, mb := range d.byPath {
		if mb.Path.Namespace == path.Namespace && mb.Path.User == path.User &&
			wildcardMatch(path.Name, mb.Path.Name) {
			results = append(results, mb)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path.Name < results[j].Path.Name })
	return results
}

// Save inserts mb, assigning an ID if it has none.  Saving a mailbox
// that already exists under a different path moves it: the old path
// entry is removed and the ID is preserved.  Claiming a path occupied
// by a different mailbox is ErrExists and mutates nothing.
func (d *Directory) Save(mb *Mailbox) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if mb.ID == 0 {
		mb.ID = d.ids.Next()
	} else {
		for path, existing := range d.byPath {
			if existing.ID == mb.ID && path != mb.Path {
				delete(d.byPath, path)
				break
			}
		}
	}
	if existing, ok := d.byPath[mb.Path]; ok && existing.ID != mb.ID {
		return 0, errors.Wrapf(ErrExists, "path %s", mb.Path)
	}
	d.byPath[mb.Path] = *mb
	return mb.ID, nil
}

// Delete removes the mailbox at mb's path.  Removing an absent path
// is not an error.
func (d *Directory) Delete(mb Mailbox) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byPath, mb.Path)
}

// HasChildren reports whether any other mailbox of the same namespace
// and user is named as a child of mb under the given delimiter.
func (d *Directory) HasChildren(mb Mailbox, delimiter string) bool {
	prefix := mb.Path.Name + delimiter
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, other := range d.byPath {
		if other.Path.Namespace == mb.Path.Namespace && other.Path.User == mb.Path.User &&
			strings.HasPrefix(other.Path.Name, prefix) {
			return true
		}
	}
	return false
}

// List reconciles against EVE and returns all current mailboxes,
// sorted by name.
func (d *Directory) List(ctx context.Context) ([]Mailbox, error) {
	if err := d.Reconcile(ctx); err != nil {
		return nil, err
	}
	return d.Snapshot(), nil
}

// Snapshot returns all current mailboxes without reconciling.
func (d *Directory) Snapshot() []Mailbox {
	d.mu.RLock()
	defer d.mu.RUnlock()
	results := make([]Mailbox, 0, len(d.byPath))
	for _, mb := range d.byPath {
		results = append(results, mb)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path.Name < results[j].Path.Name })
	return results
}
