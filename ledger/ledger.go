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

// Package ledger implements the Hydra ledger: an ordered, append-only
// sequence of posts loaded from a fixed directory (spec §3, §4.B).
package ledger

import (
	"os"
	"path/filepath"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gofrs/flock"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/galencm/hydra/internal/hylog"
	"github.com/galencm/hydra/pkg/hyerrs"
	"github.com/galencm/hydra/post"
)

// postsSubdir is the fixed directory name under a ledger's base directory
// (spec §6.1: "posts/<name>").
const postsSubdir = "posts"

// Ledger is an ordered, in-memory view of the posts on disk under
// <baseDir>/posts. The working directory is an explicit constructor
// parameter (spec §9's substitution for the C original's implicit cwd
// assumption), not a global.
type Ledger struct {
	baseDir string
	posts   []*post.Post

	// ids mirrors the ident set for O(1) dedup checks; positions mirrors
	// ident -> slice index for O(1) Index lookups. Both are rebuilt by
	// Load and kept in sync by Store. This is the hashmap mirror spec §9
	// open question 2 invites in place of the original's linear scan.
	ids       mapset.Set[string]
	positions map[string]int
}

// New returns an empty ledger rooted at baseDir (baseDir/posts holds the
// post files).
func New(baseDir string) *Ledger {
	return &Ledger{
		baseDir:   baseDir,
		ids:       mapset.NewSet[string](),
		positions: make(map[string]int),
	}
}

// Size returns the number of posts currently held in memory.
func (l *Ledger) Size() int { return len(l.posts) }

func (l *Ledger) postsDir() string { return filepath.Join(l.baseDir, postsSubdir) }

// Load enumerates <baseDir>/posts, loads each file, and appends
// successfully loaded posts in directory-enumeration order, resetting any
// previously held in-memory state first. It returns the count loaded, or
// -1 on a directory-level failure (the directory exists but can't be
// read). A per-file parse failure is skipped, not fatal (spec §4.B, §7
// ParseError) — all such skips are logged together as one multierror.
func (l *Ledger) Load() int64 {
	l.posts = nil
	l.ids = mapset.NewSet[string]()
	l.positions = make(map[string]int)

	dir := l.postsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		hylog.Core.Errorw("ledger load: read dir failed", "dir", dir, "error", err)
		return -1
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var skipped *multierror.Error
	for _, entry := range entries {
		if entry.IsDir() || isTempName(entry.Name()) {
			continue
		}
		p, err := post.Load(dir, entry.Name())
		if err != nil {
			skipped = multierror.Append(skipped, errors.Wrapf(err, "skip %s", entry.Name()))
			continue
		}
		l.append(p)
	}

	if skipped != nil {
		hylog.Core.Debugw("ledger load: skipped unparsable files", "dir", dir, "error", skipped)
	}

	return int64(len(l.posts))
}

func isTempName(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

func (l *Ledger) append(p *post.Post) {
	l.positions[p.Ident()] = len(l.posts)
	l.ids.Add(p.Ident())
	l.posts = append(l.posts, p)
}

// Store computes the filename for post (its ident, verbatim, per spec §9
// note 4), saves it under <baseDir>/posts, and on success appends it to
// the in-memory list, taking ownership of post: the caller must not use
// its reference again afterwards (spec §4.A "destroyed by its owner", §9's
// single-owner substitution for the C original's "null out my pointer").
//
// Duplicate-ID stores are the caller's responsibility to prevent; Store
// does not check (spec §4.B).
func (l *Ledger) Store(p *post.Post) error {
	dir := l.postsDir()
	lockPath := filepath.Join(l.baseDir, ".ledger.lock")
	if err := os.MkdirAll(l.baseDir, 0o755); err != nil {
		return hyerrs.Wrap(hyerrs.ErrIO, err, "mkdir "+l.baseDir)
	}

	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return hyerrs.Wrap(hyerrs.ErrIO, err, "lock "+lockPath)
	}
	defer fl.Unlock()

	ident := p.Ident()
	if err := p.Save(dir, ident); err != nil {
		return err
	}

	l.append(p)
	return nil
}

// Fetch returns the post at the given 0-based position, or nil if index is
// out of range.
func (l *Ledger) Fetch(index int) *post.Post {
	if index < 0 || index >= len(l.posts) {
		return nil
	}
	return l.posts[index]
}

// Index returns the 0-based position of the post with the given ident, or
// -1 if not present.
func (l *Ledger) Index(ident string) int64 {
	if pos, ok := l.positions[ident]; ok {
		return int64(pos)
	}
	return -1
}

// Contains is the O(1) membership check backing dedup (spec §4.C.3); it's
// equivalent to Index(ident) >= 0 but avoids the map lookup's int
// conversion for the common "do I already have this" question.
func (l *Ledger) Contains(ident string) bool {
	return l.ids.Contains(ident)
}
