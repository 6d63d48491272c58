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

package post

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSetContentProducesSpecDigest exercises scenario S1.
func TestSetContentProducesSpecDigest(t *testing.T) {
	p := New("hi")
	p.SetContent("hello")

	assert.Equal(t, DefaultMimeType, p.MimeType())
	assert.EqualValues(t, 5, p.ContentSize())
	assert.Equal(t, "AAF4C61DDCC5E8A2DABEDE0F3B482CD9AEA9434D", p.Digest())

	ident := p.Ident()
	assert.Len(t, ident, 40)
	assert.Equal(t, ident, p.Ident(), "ident must be stable across repeated calls (I2)")
}

func TestIdentDependsOnIdentityFields(t *testing.T) {
	a := New("hi")
	a.SetContent("hello")

	b := New("hi")
	b.SetContent("hello")
	// Different timestamps (New stamps "now") make different idents even
	// with identical subject/content; pin them equal to isolate the other
	// fields' effect.
	b.timestamp = a.timestamp
	assert.Equal(t, a.Ident(), b.Ident())

	b.SetParentID("some-parent")
	assert.NotEqual(t, a.Ident(), b.Ident())
}

func TestEncodeDecodeRoundTripsIdent(t *testing.T) {
	p := New("hi")
	p.SetContent("hello")

	frame := p.Encode()
	decoded := Decode(frame)
	// Decode copies all five identity fields, digest included; supplying the
	// same content's digest again leaves the ident unchanged (spec §8
	// property 2).
	decoded.digest = p.digest
	assert.Equal(t, p.Ident(), decoded.Ident())
	assert.Equal(t, LocationRemote, decoded.Location())
}

func TestSaveLoadRoundTripPreservesIdent(t *testing.T) {
	dir := t.TempDir()
	p := New("hi")
	p.SetContent("hello")
	wantIdent := p.Ident()

	require.NoError(t, p.Save(dir, "post-1"))

	loaded, err := Load(dir, "post-1")
	require.NoError(t, err)
	assert.Equal(t, wantIdent, loaded.Ident())
	assert.Equal(t, p.Digest(), loaded.Digest())
	assert.Equal(t, p.ContentSize(), loaded.ContentSize())

	got, err := loaded.Fetch(0, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(t.TempDir(), "does-not-exist")
	assert.Error(t, err)
}

func TestFetchOutOfRange(t *testing.T) {
	p := New("hi")
	p.SetContent("hello")

	_, err := p.Fetch(1, 10)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = p.Fetch(1, -1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestDupSharesNoMutableState(t *testing.T) {
	p := New("hi")
	p.SetContent("hello")

	cp := p.Dup()
	assert.Equal(t, p.Ident(), cp.Ident())

	cp.data[0] = 'X'
	got, err := p.Fetch(0, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got), "mutating the dup must not affect the original")
}

func TestSetFileComputesDigestAndSize(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/payload.bin"
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	p := New("hi")
	require.NoError(t, p.SetFile(path))
	assert.Equal(t, "AAF4C61DDCC5E8A2DABEDE0F3B482CD9AEA9434D", p.Digest())
	assert.EqualValues(t, 5, p.ContentSize())
	assert.Equal(t, LocationFile, p.Location())

	got, err := p.Fetch(0, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}
