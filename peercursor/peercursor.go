/*
 *     Copyright 2020 The Dragonfly Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package peercursor persists the per-remote-peer cursor described in
// spec §3 "Peer Cursor": the (oldest, newest) post-ID range of a peer's
// history already mirrored locally.
package peercursor

import (
	"os"
	"path/filepath"

	"github.com/galencm/hydra/pkg/kvtree"
)

const (
	keyIdentity = "/peer/identity"
	keyNickname = "/peer/nickname"
	keyOldest   = "/peer/oldest"
	keyNewest   = "/peer/newest"

	peersSubdir = "peers"
)

// Cursor is one remote peer's replication bookmark.
type Cursor struct {
	Identity string
	Nickname string

	// Oldest and Newest are post idents delimiting the contiguous range
	// of the peer's history already ingested into the local ledger.
	// Empty means unset. Invariant P1: if Newest is set, so is Oldest.
	Oldest string
	Newest string
}

func path(baseDir, identity string) string {
	return filepath.Join(baseDir, peersSubdir, identity+".cfg")
}

// Load reads peers/<identity>.cfg under baseDir. If the file doesn't
// exist, it returns a fresh Cursor for identity and found=false ("peer
// unknown", per spec §3).
func Load(baseDir, identity string) (cursor *Cursor, found bool, err error) {
	p := path(baseDir, identity)
	if _, statErr := os.Stat(p); statErr != nil {
		return &Cursor{Identity: identity}, false, nil
	}

	t, err := kvtree.Load(p)
	if err != nil {
		return nil, false, err
	}

	return &Cursor{
		Identity: t.Resolve(keyIdentity, identity),
		Nickname: t.Resolve(keyNickname, ""),
		Oldest:   t.Resolve(keyOldest, ""),
		Newest:   t.Resolve(keyNewest, ""),
	}, true, nil
}

// Save persists the cursor to peers/<identity>.cfg under baseDir, creating
// the peers/ directory if needed (spec §4.C.2 step 9).
func (c *Cursor) Save(baseDir string) error {
	dir := filepath.Join(baseDir, peersSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	t := kvtree.New()
	t.Put(keyIdentity, c.Identity)
	t.Put(keyNickname, c.Nickname)
	if c.Oldest != "" {
		t.Put(keyOldest, c.Oldest)
	}
	if c.Newest != "" {
		t.Put(keyNewest, c.Newest)
	}

	return t.Save(path(baseDir, c.Identity))
}

// KnownRange reports whether both Oldest and Newest are set, the condition
// spec §4.C.2 step 2 branches on ("known-peer" vs "new-peer" flow).
func (c *Cursor) KnownRange() bool {
	return c.Oldest != "" && c.Newest != ""
}
