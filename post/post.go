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

// Package post implements the Hydra post: an immutable content item
// identified by a content-derived ID (spec §3, §4.A).
package post

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/galencm/hydra/pkg/hyerrs"
	"github.com/galencm/hydra/pkg/kvtree"
	"github.com/galencm/hydra/protocol"
)

// DefaultMimeType is stamped by SetContent (spec I3).
const DefaultMimeType = "text/plain"

// Location describes where a post's content bytes live.
type Location int

const (
	// LocationInline means Data holds the full content in memory.
	LocationInline Location = iota
	// LocationFile means FilePath references a local, presumed-immutable
	// file.
	LocationFile
	// LocationRemote means only metadata is known so far (a post just
	// decoded from a HEADER-OK, still being fetched).
	LocationRemote
)

func (l Location) String() string {
	switch l {
	case LocationInline:
		return "inline"
	case LocationFile:
		return "file"
	default:
		return "remote"
	}
}

func parseLocation(s string) Location {
	switch s {
	case "inline":
		return LocationInline
	case "file":
		return LocationFile
	default:
		return LocationRemote
	}
}

// Post is one immutable content item. It is single-owner: callers that hand
// a *Post to another component (Ledger.Store, a sink channel) must treat
// their own reference as consumed, per spec §4.A lifecycle / §9's
// single-owner-values substitution for the C original's alloc/destroy pairs.
type Post struct {
	subject     string
	timestamp   string
	parentID    string
	mimeType    string
	digest      string
	contentSize int64
	location    Location

	data     []byte
	filePath string

	// pendingChunks records which CHUNK_SIZE-sized offsets of a remote
	// post's content have been fetched so far. Only bit 0 is ever set in
	// the current single-chunk-per-post design (spec §9 note 3); the
	// field exists so a future multi-chunk fetch has somewhere to track
	// partial progress without changing the data model.
	pendingChunks *bitset.BitSet
}

// New allocates an empty post with subject and a fresh UTC timestamp.
func New(subject string) *Post {
	return &Post{
		subject:   subject,
		timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		location:  LocationInline,
	}
}

func (p *Post) Subject() string    { return p.subject }
func (p *Post) Timestamp() string  { return p.timestamp }
func (p *Post) ParentID() string   { return p.parentID }
func (p *Post) MimeType() string   { return p.mimeType }
func (p *Post) Digest() string     { return p.digest }
func (p *Post) ContentSize() int64 { return p.contentSize }
func (p *Post) Location() Location { return p.location }
func (p *Post) FilePath() string   { return p.filePath }

// SetParentID records the logical predecessor post ID verbatim.
func (p *Post) SetParentID(id string) { p.parentID = id }

// SetMimeType records the MIME type verbatim.
func (p *Post) SetMimeType(t string) { p.mimeType = t }

// SetContent replaces the content with the UTF-8 bytes of text, stamping
// mime_type = text/plain and recomputing digest/content_size (spec I3).
func (p *Post) SetContent(text string) {
	p.mimeType = DefaultMimeType
	p.setInline([]byte(text))
}

// SetData replaces the content with data, taking ownership of the slice,
// and recomputes digest/content_size. mime_type is left as-is.
func (p *Post) SetData(data []byte) {
	p.setInline(data)
}

func (p *Post) setInline(data []byte) {
	p.data = data
	p.filePath = ""
	p.location = LocationInline
	p.contentSize = int64(len(data))
	p.digest = digestOf(data)
}

// SetFile points content at a local file, which must exist and be
// readable. The digest is computed by streaming the file; content_size is
// the file's size at this moment. Later mutation of the file is undefined
// behavior (spec §4.A algorithmic notes).
func (p *Post) SetFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return hyerrs.Wrap(hyerrs.ErrIO, err, "set file "+path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return hyerrs.Wrap(hyerrs.ErrIO, err, "stat file "+path)
	}

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return hyerrs.Wrap(hyerrs.ErrIO, err, "digest file "+path)
	}

	p.data = nil
	p.filePath = path
	p.location = LocationFile
	p.contentSize = info.Size()
	p.digest = strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
	return nil
}

func digestOf(data []byte) string {
	sum := sha1.Sum(data)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Ident returns the post ID: uppercase hex SHA-1 over the five identity
// fields, concatenated newline-separated in a fixed order (spec §4.A). It
// is a pure function of (subject, timestamp, parent_id, mime_type, digest)
// — spec invariant I2 — and is therefore never cached; recompute freely.
func (p *Post) Ident() string {
	h := sha1.New()
	io.WriteString(h, p.subject)
	io.WriteString(h, "\n")
	io.WriteString(h, p.timestamp)
	io.WriteString(h, "\n")
	io.WriteString(h, p.parentID)
	io.WriteString(h, "\n")
	io.WriteString(h, p.mimeType)
	io.WriteString(h, "\n")
	io.WriteString(h, p.digest)
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

// ErrOutOfRange is returned by Fetch when honoring the request would exceed
// a sane in-memory threshold.
var ErrOutOfRange = errors.New("out of range")

// maxFetchAll bounds what a size==0 ("all remaining") Fetch will return
// inline. It matches protocol.ChunkSize: a single post is never larger than
// one chunk in the current design.
const maxFetchAll = protocol.ChunkSize

// Fetch returns up to size bytes of content starting at offset. size == 0
// means "all remaining content"; if that would exceed maxFetchAll, Fetch
// returns ErrOutOfRange instead of silently truncating.
func (p *Post) Fetch(size, offset int64) ([]byte, error) {
	if offset < 0 || offset > p.contentSize {
		return nil, ErrOutOfRange
	}

	remaining := p.contentSize - offset
	want := size
	if want == 0 {
		want = remaining
		if want > maxFetchAll {
			return nil, ErrOutOfRange
		}
	}
	if want > remaining {
		want = remaining
	}

	switch p.location {
	case LocationInline:
		return append([]byte(nil), p.data[offset:offset+want]...), nil
	case LocationFile:
		f, err := os.Open(p.filePath)
		if err != nil {
			return nil, hyerrs.Wrap(hyerrs.ErrIO, err, "open "+p.filePath)
		}
		defer f.Close()
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, hyerrs.Wrap(hyerrs.ErrIO, err, "seek "+p.filePath)
		}
		buf := make([]byte, want)
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, hyerrs.Wrap(hyerrs.ErrIO, err, "read "+p.filePath)
		}
		return buf[:n], nil
	default:
		return nil, errors.New("post has no local content (remote)")
	}
}

// kvtree keys for the on-disk metadata file.
const (
	keySubject     = "/post/subject"
	keyTimestamp   = "/post/timestamp"
	keyParentID    = "/post/parent_id"
	keyMimeType    = "/post/mime_type"
	keyDigest      = "/post/digest"
	keyContentSize = "/post/content_size"
	keyLocation    = "/post/location"
	keyFilePath    = "/post/file_path"
	keyContent     = "/post/content"
)

// Save writes the post's metadata (plus inline content, base64-encoded, or
// a file-path reference) to dir/filename, atomically: write to a temp file
// in dir, then rename, so concurrent readers of dir never observe a
// partial file (spec §5 "Shared resources").
func (p *Post) Save(dir, filename string) error {
	t := kvtree.New()
	t.Put(keySubject, p.subject)
	t.Put(keyTimestamp, p.timestamp)
	t.Put(keyParentID, p.parentID)
	t.Put(keyMimeType, p.mimeType)
	t.Put(keyDigest, p.digest)
	t.Put(keyContentSize, strconv.FormatInt(p.contentSize, 10))
	t.Put(keyLocation, p.location.String())

	switch p.location {
	case LocationInline:
		t.Put(keyContent, base64.StdEncoding.EncodeToString(p.data))
	case LocationFile:
		t.Put(keyFilePath, p.filePath)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return hyerrs.Wrap(hyerrs.ErrIO, err, "mkdir "+dir)
	}

	tmp := filepath.Join(dir, "."+filename+"."+uuid.NewString()+".tmp")
	if err := t.Save(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, filename)); err != nil {
		os.Remove(tmp)
		return hyerrs.Wrap(hyerrs.ErrIO, err, "rename into "+dir)
	}
	return nil
}

// Load is the inverse of Save. A missing or malformed file yields
// (nil, err) with err wrapping hyerrs.ErrParse or hyerrs.ErrIO so callers
// (Ledger.Load) can distinguish "skip this file" from a directory-level
// failure.
func Load(dir, filename string) (*Post, error) {
	path := filepath.Join(dir, filename)
	t, err := kvtree.Load(path)
	if err != nil {
		return nil, err
	}

	p := &Post{
		subject:   t.Resolve(keySubject, ""),
		timestamp: t.Resolve(keyTimestamp, ""),
		parentID:  t.Resolve(keyParentID, ""),
		mimeType:  t.Resolve(keyMimeType, ""),
		digest:    t.Resolve(keyDigest, ""),
		location:  parseLocation(t.Resolve(keyLocation, "inline")),
	}

	size, err := strconv.ParseInt(t.Resolve(keyContentSize, "0"), 10, 64)
	if err != nil {
		return nil, hyerrs.Wrap(hyerrs.ErrParse, err, "content_size in "+path)
	}
	p.contentSize = size

	switch p.location {
	case LocationInline:
		raw, err := base64.StdEncoding.DecodeString(t.Resolve(keyContent, ""))
		if err != nil {
			return nil, hyerrs.Wrap(hyerrs.ErrParse, err, "content in "+path)
		}
		p.data = raw
	case LocationFile:
		p.filePath = t.Resolve(keyFilePath, "")
	}

	if p.subject == "" || p.timestamp == "" || p.digest == "" {
		return nil, hyerrs.Wrap(hyerrs.ErrParse, errors.New("missing required field"), path)
	}

	return p, nil
}

// Encode copies the six identity fields into a HEADER-OK frame.
func (p *Post) Encode() protocol.HeaderOK {
	return protocol.HeaderOK{
		Subject:     p.subject,
		Timestamp:   p.timestamp,
		ParentID:    p.parentID,
		MimeType:    p.mimeType,
		Digest:      p.digest,
		ContentSize: p.contentSize,
		Ident:       p.Ident(),
	}
}

// Decode builds a post from a HEADER-OK frame. The result has no content
// (location = remote) and a pendingChunks bitmap sized off the declared
// content size, ready to receive its one allowed chunk.
func Decode(h protocol.HeaderOK) *Post {
	p := &Post{
		subject:     h.Subject,
		timestamp:   h.Timestamp,
		parentID:    h.ParentID,
		mimeType:    h.MimeType,
		digest:      h.Digest,
		contentSize: h.ContentSize,
		location:    LocationRemote,
	}
	chunks := uint(h.ContentSize/protocol.ChunkSize) + 1
	p.pendingChunks = bitset.New(chunks)
	return p
}

// MarkChunkReceived records that the chunk at byteOffset has arrived.
// Today exactly one chunk per post is allowed (spec §9 note 3); calling
// this with any offset other than 0 is a programmer error.
func (p *Post) MarkChunkReceived(byteOffset int64) {
	if p.pendingChunks == nil {
		p.pendingChunks = bitset.New(1)
	}
	p.pendingChunks.Set(uint(byteOffset / protocol.ChunkSize))
}

// Dup returns a shallow structural copy sharing no mutable state: a second
// instance of the same post item, as the spec's dup() requires. Note that
// unlike the C original's reference-counted zchunk_t sharing, this simply
// copies the (already-immutable-by-convention) byte slice.
func (p *Post) Dup() *Post {
	cp := *p
	if p.data != nil {
		cp.data = append([]byte(nil), p.data...)
	}
	if p.pendingChunks != nil {
		cp.pendingChunks = p.pendingChunks.Clone()
	}
	return &cp
}
