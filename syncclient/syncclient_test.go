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

package syncclient

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/galencm/hydra/internal/hylog"
	"github.com/galencm/hydra/ledger"
	"github.com/galencm/hydra/peercursor"
	"github.com/galencm/hydra/pkg/kvtree"
	"github.com/galencm/hydra/post"
	"github.com/galencm/hydra/protocol"
)

// seedLedger stores p into dir's ledger before the Client under test loads
// it, simulating a post already mirrored in a prior session.
func seedLedger(t *testing.T, dir string, p *post.Post) {
	t.Helper()
	require.NoError(t, ledger.New(dir).Store(p.Dup()))
}

func ledgerAt(t *testing.T, dir string) *ledger.Ledger {
	t.Helper()
	l := ledger.New(dir)
	require.GreaterOrEqual(t, l.Load(), int64(0))
	return l
}

const testWait = 2 * time.Second

// newBaseDir writes just hydra.cfg, so callers that need to seed the
// ledger directory first (TestDuplicateSuppression) can do so before the
// Client's constructor loads it.
func newBaseDir(t *testing.T, identity string) string {
	t.Helper()
	dir := t.TempDir()

	tree := kvtree.New()
	tree.Put("/hydra/identity", identity)
	tree.Put("/hydra/nickname", "nick-"+identity)
	require.NoError(t, tree.Save(filepath.Join(dir, "hydra.cfg")))
	return dir
}

func newClientAt(t *testing.T, dir string) (*Client, *fakeTransport, ChanSink) {
	t.Helper()
	ft := newFakeTransport()
	ft.On("Close").Return(nil)
	sink := make(ChanSink, 16)

	client, err := New(dir, ft, sink)
	require.NoError(t, err)
	return client, ft, sink
}

func newTestClient(t *testing.T, identity string) (string, *Client, *fakeTransport, ChanSink) {
	t.Helper()
	dir := newBaseDir(t, identity)
	client, ft, sink := newClientAt(t, dir)
	return dir, client, ft, sink
}

func runClient(t *testing.T, client *Client) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)
	t.Cleanup(cancel)
	return cancel
}

func requireEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	select {
	case ev := <-ch:
		require.Equal(t, kind, ev.Kind, "got %+v", ev)
		return ev
	case <-time.After(testWait):
		t.Fatalf("timed out waiting for %s event", kind)
		return Event{}
	}
}

func TestNewRequiresIdentityInConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, kvtree.New().Save(filepath.Join(dir, "hydra.cfg")))

	_, err := New(dir, newFakeTransport(), make(ChanSink, 1))
	assert.Error(t, err)
}

// TestConnectRefusedEmitsBadEndpoint covers the transport-level failure half
// of scenario S4.
func TestConnectRefusedEmitsBadEndpoint(t *testing.T) {
	_, client, ft, _ := newTestClient(t, "client-1")
	ft.On("Connect", mock.Anything, mock.Anything).Return(errors.New("refused"))
	runClient(t, client)

	client.Connect("tcp://127.0.0.1:1", 200)

	ev := requireEvent(t, client.CommandEvents(), EventFailure)
	assert.Equal(t, -1, ev.Code)
	assert.Equal(t, "Bad server endpoint", ev.Reason)
}

// TestConnectTimeoutEmitsBadEndpoint covers scenario S4's literal timing
// requirement: FAILURE within 300ms of a 200ms connect timeout when the
// transport connects but the peer never answers HELLO.
func TestConnectTimeoutEmitsBadEndpoint(t *testing.T) {
	_, client, ft, _ := newTestClient(t, "client-1")
	ft.On("Connect", mock.Anything, mock.Anything).Return(nil)
	ft.On("Send", mock.Anything, mock.Anything).Return(nil)
	runClient(t, client)

	start := time.Now()
	client.Connect("tcp://127.0.0.1:1", 200)

	ev := requireEvent(t, client.CommandEvents(), EventFailure)
	assert.Equal(t, "Bad server endpoint", ev.Reason)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestHelloOKEmitsConnectedThenSuccess(t *testing.T) {
	_, client, ft, _ := newTestClient(t, "client-1")
	ft.On("Connect", mock.Anything, mock.Anything).Return(nil)
	ft.On("Send", mock.Anything, mock.Anything).Return(nil)
	ft.script(recvResult{frame: protocol.HelloOK{Identity: "peer-1", Nickname: "peerNick"}})
	runClient(t, client)

	client.Connect("tcp://fake", 2000)

	connected := requireEvent(t, client.CommandEvents(), EventConnected)
	assert.Equal(t, "peerNick", connected.Nickname)
	requireEvent(t, client.CommandEvents(), EventSuccess)
}

// TestDuplicateSuppression covers scenario S3: the peer only offers a post
// the local ledger already has, so received stays 0 and sync still
// completes with SUCCESS(0).
func TestDuplicateSuppression(t *testing.T) {
	dir := newBaseDir(t, "client-1")

	existing := post.New("hi")
	existing.SetContent("hello")
	seedLedger(t, dir, existing)
	frame := existing.Encode()

	client, ft, _ := newClientAt(t, dir)

	ft.On("Connect", mock.Anything, mock.Anything).Return(nil)
	ft.On("Send", mock.Anything, mock.Anything).Return(nil)
	ft.script(
		recvResult{frame: protocol.HelloOK{Identity: "peer-1"}},
		recvResult{frame: frame},
		recvResult{frame: protocol.ErrorFrame{Status: protocol.StatusNoSuchPost}},
		recvResult{frame: protocol.ErrorFrame{Status: protocol.StatusNoSuchPost}},
	)
	runClient(t, client)

	client.Connect("tcp://fake", 2000)
	requireEvent(t, client.CommandEvents(), EventConnected)
	requireEvent(t, client.CommandEvents(), EventSuccess)

	client.Sync()
	ev := requireEvent(t, client.MessageEvents(), EventSuccess)
	assert.Equal(t, 0, ev.Count)
}

// TestSingleChunkTransfer covers scenario S6: a new post's metadata and one
// content chunk are fetched and committed, preserving its digest.
func TestSingleChunkTransfer(t *testing.T) {
	dir, client, ft, sink := newTestClient(t, "client-1")

	remote := post.New("hi")
	remote.SetContent("hello")
	frame := remote.Encode()

	ft.On("Connect", mock.Anything, mock.Anything).Return(nil)
	ft.On("Send", mock.Anything, mock.Anything).Return(nil)
	ft.script(
		recvResult{frame: protocol.HelloOK{Identity: "peer-1"}},
		recvResult{frame: frame},
		recvResult{frame: protocol.DataOK{Offset: 0, Content: []byte("hello")}},
		recvResult{frame: protocol.ErrorFrame{Status: protocol.StatusNoSuchPost}},
		recvResult{frame: protocol.ErrorFrame{Status: protocol.StatusNoSuchPost}},
	)
	runClient(t, client)

	client.Connect("tcp://fake", 2000)
	requireEvent(t, client.CommandEvents(), EventConnected)
	requireEvent(t, client.CommandEvents(), EventSuccess)

	client.Sync()

	select {
	case p := <-sink:
		assert.Equal(t, remote.Digest(), p.Digest())
	case <-time.After(testWait):
		t.Fatal("timed out waiting for committed post on storage sink")
	}

	ev := requireEvent(t, client.MessageEvents(), EventPost)
	assert.Equal(t, remote.Digest(), ev.Post.Digest())

	done := requireEvent(t, client.MessageEvents(), EventSuccess)
	assert.Equal(t, 1, done.Count)

	// The post the sync client committed must actually be on disk under
	// the same ident it was received with (spec I4 / L1).
	l := ledgerAt(t, dir)
	assert.True(t, l.Contains(frame.Ident))
}

// TestHeartbeatExpiryEmitsUnhandledFailure covers scenario S5, with the
// heartbeat interval shortened so the test doesn't take 3.5 real seconds.
func TestHeartbeatExpiryEmitsUnhandledFailure(t *testing.T) {
	_, client, ft, _ := newTestClient(t, "client-1")
	client.heartbeatInterval = 20 * time.Millisecond

	ft.On("Connect", mock.Anything, mock.Anything).Return(nil)
	ft.On("Send", mock.Anything, mock.Anything).Return(nil)
	ft.script(recvResult{frame: protocol.HelloOK{Identity: "peer-1"}})
	runClient(t, client)

	client.Connect("tcp://fake", 2000)
	requireEvent(t, client.CommandEvents(), EventConnected)
	requireEvent(t, client.CommandEvents(), EventSuccess)

	cmdFailure := requireEvent(t, client.CommandEvents(), EventFailure)
	assert.Equal(t, "Unhandled error", cmdFailure.Reason)

	msgFailure := requireEvent(t, client.MessageEvents(), EventFailure)
	assert.Equal(t, "Unhandled error", msgFailure.Reason)

	assert.Eventually(t, func() bool { return !client.Connected() }, testWait, 5*time.Millisecond,
		"Connected must drop once the session has failed")
}

// TestConnectWhileConnectedIsRejected covers the real effect of the
// connected flag: a second Connect against an already-HELLO-OK'd session is
// refused instead of silently racing the in-flight one (the Connected
// accessor this guards on is read from the command-handling path, outside
// any one Recv/Send call, exactly what go.uber.org/atomic is for here).
func TestConnectWhileConnectedIsRejected(t *testing.T) {
	_, client, ft, _ := newTestClient(t, "client-1")
	ft.On("Connect", mock.Anything, mock.Anything).Return(nil)
	ft.On("Send", mock.Anything, mock.Anything).Return(nil)
	ft.script(recvResult{frame: protocol.HelloOK{Identity: "peer-1"}})
	runClient(t, client)

	client.Connect("tcp://fake", 2000)
	requireEvent(t, client.CommandEvents(), EventConnected)
	requireEvent(t, client.CommandEvents(), EventSuccess)
	assert.True(t, client.Connected())

	client.Connect("tcp://fake-again", 2000)
	ev := requireEvent(t, client.CommandEvents(), EventFailure)
	assert.Equal(t, "already connected", ev.Reason)
}

// TestSetVerboseTogglesGlobalLogLevel covers the real effect of the VERBOSE
// actor command (spec §6.3): it must actually change what gets logged, not
// just store an unread flag (spec §9's "explicit configuration option
// threaded into the actor" replacing the C original's static verbose flag).
func TestSetVerboseTogglesGlobalLogLevel(t *testing.T) {
	hylog.SetVerbose(false)
	t.Cleanup(func() { hylog.SetVerbose(false) })

	_, client, ft, _ := newTestClient(t, "client-1")
	ft.On("Connect", mock.Anything, mock.Anything).Return(nil)
	ft.On("Send", mock.Anything, mock.Anything).Return(nil)
	runClient(t, client)

	client.SetVerbose(true)
	assert.Eventually(t, client.Verbose, testWait, 5*time.Millisecond)
	assert.Eventually(t, hylog.DebugEnabled, testWait, 5*time.Millisecond)

	client.SetVerbose(false)
	assert.Eventually(t, func() bool { return !client.Verbose() }, testWait, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !hylog.DebugEnabled() }, testWait, 5*time.Millisecond)
}

// TestBackwardCursorSeedsNewestFromOldest covers the backward-scan cursor
// update (spec §9 open question 1, DESIGN.md open-question 1): when Newest
// was previously unset it is seeded with the same ident as Oldest. The
// trailing reassignment into Oldest carried over from the C original leaves
// Oldest unchanged.
func TestBackwardCursorSeedsNewestFromOldest(t *testing.T) {
	c := &Client{dir: dirBackward, cursor: &peercursor.Cursor{}}
	c.advanceCursor("POST-ID")

	assert.Equal(t, "POST-ID", c.cursor.Oldest)
	assert.Equal(t, "POST-ID", c.cursor.Newest,
		"newest is seeded with the same value as oldest")
}

func TestForwardCursorAdvancesNewestAndSeedsOldest(t *testing.T) {
	c := &Client{dir: dirForward, cursor: &peercursor.Cursor{}}
	c.advanceCursor("POST-ID")

	assert.Equal(t, "POST-ID", c.cursor.Newest)
	assert.Equal(t, "POST-ID", c.cursor.Oldest)
}
