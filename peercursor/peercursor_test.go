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

package peercursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadUnknownPeerIsNotFound(t *testing.T) {
	cursor, found, err := Load(t.TempDir(), "nobody")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "nobody", cursor.Identity)
	assert.False(t, cursor.KnownRange())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := &Cursor{Identity: "peer-1", Nickname: "alice", Oldest: "AAA", Newest: "ZZZ"}
	require.NoError(t, c.Save(dir))

	loaded, found, err := Load(dir, "peer-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "alice", loaded.Nickname)
	assert.Equal(t, "AAA", loaded.Oldest)
	assert.Equal(t, "ZZZ", loaded.Newest)
	assert.True(t, loaded.KnownRange())
}

func TestKnownRangeRequiresBothBounds(t *testing.T) {
	assert.False(t, (&Cursor{}).KnownRange())
	assert.False(t, (&Cursor{Oldest: "AAA"}).KnownRange())
	assert.False(t, (&Cursor{Newest: "ZZZ"}).KnownRange())
	assert.True(t, (&Cursor{Oldest: "AAA", Newest: "ZZZ"}).KnownRange())
}
