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

// Package syncclient implements the Hydra Sync Client (spec §4.C): a
// single-threaded cooperative actor driving one protocol session against a
// remote peer, walking its post history, deduplicating against the local
// Ledger, and handing completed posts to a storage sink and an API-visible
// event channel.
package syncclient

import (
	"context"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/galencm/hydra/internal/hylog"
	"github.com/galencm/hydra/ledger"
	"github.com/galencm/hydra/peercursor"
	"github.com/galencm/hydra/pkg/hyerrs"
	"github.com/galencm/hydra/pkg/kvtree"
	"github.com/galencm/hydra/post"
	"github.com/galencm/hydra/protocol"
)

// FSM states, named after the phases of spec §4.C.2.
const (
	StateIdle           = "Idle"
	StateConnecting     = "Connecting"
	StateConnectedIdle  = "ConnectedIdle"
	StateAwaitingHeader = "AwaitingHeader"
	StateAwaitingData   = "AwaitingData"
	StateFailed         = "Failed"
)

// FSM events.
const (
	evConnect         = "connect"
	evHelloOK         = "hello_ok"
	evBadEndpoint     = "bad_endpoint"
	evSync            = "sync"
	evHeaderDuplicate = "header_duplicate"
	evHeaderNew       = "header_new"
	evHeaderBoundary  = "header_boundary"
	evDataOK          = "data_ok"
	evSyncDone        = "sync_done"
	evCommandInvalid  = "command_invalid"
	evServerInternal  = "server_internal"
	evExpired         = "expired"
	evDestroy         = "destroy"
)

// scan direction, tracked alongside the FSM state rather than as separate
// states, since the direction-switch-on-boundary rule (spec §4.C.2 step 8)
// is the same transition regardless of which super-state triggered it.
type direction int

const (
	dirForward direction = iota
	dirBackward
)

// EventKind identifies which of the four outward event shapes an Event is.
type EventKind string

const (
	EventConnected EventKind = "CONNECTED"
	EventSuccess   EventKind = "SUCCESS"
	EventFailure   EventKind = "FAILURE"
	EventPost      EventKind = "POST"
)

// Event is delivered on the command channel or the message channel (spec
// §6.3).
type Event struct {
	Kind     EventKind
	Code     int
	Nickname string
	Reason   string
	Count    int
	Post     *post.Post
}

// StorageSink receives completed posts for external storage (spec §2's
// "storage channel"). The default wiring is a buffered channel; tests can
// substitute a spy.
type StorageSink interface {
	Store(p *post.Post)
}

// ChanSink adapts a chan *post.Post to StorageSink.
type ChanSink chan *post.Post

func (s ChanSink) Store(p *post.Post) { s <- p }

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdSync
	cmdDestroy
	cmdVerbose
)

type command struct {
	kind      commandKind
	endpoint  string
	timeoutMS int
	verbose   bool
}

// Client is the Sync Client actor (spec §4.C, §5).
type Client struct {
	baseDir  string
	identity string
	nickname string

	transport protocol.Transport
	sink      StorageSink

	ledger *ledger.Ledger
	cursor *peercursor.Cursor

	fsm *fsm.FSM

	currentPost  *post.Post
	dir          direction
	forwardDone  bool
	backwardDone bool
	askingHead   bool

	received  atomic.Int64
	retries   atomic.Int64
	connected atomic.Bool
	verbose   atomic.Bool

	heartbeatInterval time.Duration
	connectCancel     context.CancelFunc

	commands  chan command
	cmdEvents chan Event
	msgEvents chan Event

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
}

// New loads the client's own identity/nickname from <baseDir>/hydra.cfg
// (spec §4.C.1) and constructs a Client actor, but does not start its loop
// — call Run. Identity must already exist in hydra.cfg: the server having
// previously initialized it is a precondition, and a missing identity is a
// fatal startup error (spec §4.C.1), returned here rather than deferred to
// first use.
func New(baseDir string, transport protocol.Transport, sink StorageSink) (*Client, error) {
	t, err := kvtree.Load(baseDir + "/hydra.cfg")
	if err != nil {
		return nil, hyerrs.Wrap(hyerrs.ErrIO, err, "load hydra.cfg: server must already have started")
	}

	identity := t.Resolve("/hydra/identity", "")
	if identity == "" {
		return nil, errors.New("hydra.cfg missing /hydra/identity: server must already have started")
	}
	nickname := t.Resolve("/hydra/nickname", "")

	c := &Client{
		baseDir:           baseDir,
		identity:          identity,
		nickname:          nickname,
		transport:         transport,
		sink:              sink,
		ledger:            ledger.New(baseDir),
		heartbeatInterval: time.Second,
		commands:          make(chan command, 4),
		cmdEvents:         make(chan Event, 16),
		msgEvents:         make(chan Event, 16),
		done:              make(chan struct{}),
	}
	c.ledger.Load()
	c.buildFSM()
	return c, nil
}

// CommandEvents returns the command-channel event stream (CONNECTED,
// SUCCESS(0), FAILURE).
func (c *Client) CommandEvents() <-chan Event { return c.cmdEvents }

// MessageEvents returns the message-channel event stream (POST,
// SUCCESS(count), FAILURE).
func (c *Client) MessageEvents() <-chan Event { return c.msgEvents }

// Connected reports whether the actor currently holds an open, HELLO-OK'd
// session with a peer. Safe to call from any goroutine (cmd/hydra-client's
// connect/sync subcommands read it to report live-connection state), and
// used internally to reject a second Connect while one is already active.
func (c *Client) Connected() bool { return c.connected.Load() }

// Verbose reports the verbosity last set via SetVerbose.
func (c *Client) Verbose() bool { return c.verbose.Load() }

// Run starts the actor's message loop. It blocks until ctx is canceled or
// Destroy is called; callers typically run it in its own goroutine.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	c.group = group

	frames := make(chan frameOrErr, 4)
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gctx.Done():
			close(c.done)
			return gctx.Err()

		case cmd := <-c.commands:
			c.handleCommand(gctx, cmd, frames)

		case fe := <-frames:
			c.handleFrame(gctx, fe)

		case <-ticker.C:
			c.handleHeartbeatTick(gctx)
		}

		if c.fsm.Is(StateIdle) || c.fsm.Is(StateFailed) {
			// Nothing extra is done here: the loop keeps running until ctx
			// is canceled (Destroy cancels it), and the FSM rejects events
			// that are not valid in the current state.
		}
	}
}

type frameOrErr struct {
	frame protocol.Frame
	err   error
}

func (c *Client) startReader(ctx context.Context, frames chan<- frameOrErr) {
	c.group.Go(func() error {
		for {
			f, err := c.transport.Recv(ctx)
			select {
			case frames <- frameOrErr{frame: f, err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
			if err != nil {
				return nil
			}
		}
	})
}

// Connect asks the actor to open a session to endpoint (spec §4.C.2 step
// 1).
func (c *Client) Connect(endpoint string, timeoutMS int) {
	c.enqueue(command{kind: cmdConnect, endpoint: endpoint, timeoutMS: timeoutMS})
}

// Sync asks the actor to walk the connected peer's history.
func (c *Client) Sync() {
	c.enqueue(command{kind: cmdSync})
}

// SetVerbose threads an explicit verbosity option into the running actor,
// replacing the C original's static per-process "verbose" flag (spec §9).
func (c *Client) SetVerbose(v bool) {
	c.enqueue(command{kind: cmdVerbose, verbose: v})
}

// Destroy terminates the actor's loop. Any in-flight current post is
// dropped without a commit (spec §5 "Cancellation / timeouts").
func (c *Client) Destroy() {
	c.enqueue(command{kind: cmdDestroy})
}

func (c *Client) enqueue(cmd command) {
	select {
	case c.commands <- cmd:
	case <-c.done:
	}
}

func (c *Client) handleCommand(ctx context.Context, cmd command, frames chan frameOrErr) {
	switch cmd.kind {
	case cmdConnect:
		if c.connected.Load() {
			hylog.Sync.Warnw("connect requested while already connected", "identity", c.identity)
			c.cmdEvents <- Event{Kind: EventFailure, Code: -1, Reason: "already connected"}
			return
		}
		c.doConnect(ctx, cmd.endpoint, cmd.timeoutMS, frames)
	case cmdSync:
		c.fireEvent(ctx, evSync)
	case cmdVerbose:
		c.verbose.Store(cmd.verbose)
		hylog.SetVerbose(cmd.verbose)
	case cmdDestroy:
		c.fireEvent(ctx, evDestroy)
		c.connected.Store(false)
		if c.cancel != nil {
			c.cancel()
		}
	}
}

func (c *Client) doConnect(ctx context.Context, endpoint string, timeoutMS int, frames chan frameOrErr) {
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)

	if err := c.transport.Connect(dialCtx, endpoint); err != nil {
		cancel()
		hylog.Sync.Warnw("could not connect", "endpoint", endpoint, "error", err)
		c.emitBadEndpoint()
		return
	}

	if err := c.transport.Send(dialCtx, protocol.Hello{Identity: c.identity, Nickname: c.nickname}); err != nil {
		cancel()
		c.emitBadEndpoint()
		return
	}

	// dialCtx stays live until HELLO-OK arrives (onHelloOK cancels it) or it
	// times out; it bounds the whole "waiting for HELLO-OK" window, not just
	// the dial (spec §5 "Cancellation / timeouts").
	c.connectCancel = cancel
	c.startReader(ctx, frames)
	c.fireEvent(ctx, evConnect)

	// Arm the connect timeout: if HELLO-OK doesn't arrive before timeoutMS
	// elapses, raise bad_endpoint (spec §5 "Cancellation / timeouts", S4).
	// The watcher feeds the main loop through the same frames channel the
	// reader uses, so the transition still only ever happens on the actor's
	// own goroutine.
	go func() {
		select {
		case <-dialCtx.Done():
			if dialCtx.Err() == context.DeadlineExceeded {
				select {
				case frames <- frameOrErr{err: errConnectTimeout}:
				case <-c.done:
				}
			}
		case <-c.done:
		}
	}()
}

var errConnectTimeout = errors.New("timed out waiting for HELLO-OK")

func (c *Client) emitBadEndpoint() {
	c.cmdEvents <- Event{Kind: EventFailure, Code: -1, Reason: "Bad server endpoint"}
}

func (c *Client) handleHeartbeatTick(ctx context.Context) {
	if !c.fsm.Is(StateConnectedIdle) {
		return
	}
	if c.retries.Inc() >= 3 {
		c.fireEvent(ctx, evExpired)
		return
	}
	_ = c.transport.Send(ctx, protocol.Ping{})
}

func (c *Client) handleFrame(ctx context.Context, fe frameOrErr) {
	if fe.err != nil {
		hylog.Transport.Warnw("transport recv failed", "error", fe.err)
		if c.fsm.Is(StateConnecting) {
			// Nothing connected yet to call "expired" — this is a failed
			// connection attempt (spec §5 "Cancellation / timeouts", S4).
			c.fireEvent(ctx, evBadEndpoint)
			return
		}
		c.fireEvent(ctx, evExpired)
		return
	}

	c.retries.Store(0)

	switch f := fe.frame.(type) {
	case protocol.HelloOK:
		c.onHelloOK(ctx, f)
	case protocol.HeaderOK:
		c.onHeaderOK(ctx, f)
	case protocol.DataOK:
		c.onDataOK(ctx, f)
	case protocol.PingOK:
		// retries already reset above.
	case protocol.ErrorFrame:
		c.onError(ctx, f)
	}
}

func (c *Client) onError(ctx context.Context, f protocol.ErrorFrame) {
	switch f.Status {
	case protocol.StatusNoSuchPost:
		c.fireEvent(ctx, evHeaderBoundary)
	case protocol.StatusCommandInvalid:
		c.fireEvent(ctx, evCommandInvalid)
	default:
		c.fireEvent(ctx, evServerInternal)
	}
}

func (c *Client) onHelloOK(ctx context.Context, f protocol.HelloOK) {
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}

	cursor, _, err := peercursor.Load(c.baseDir, f.Identity)
	if err != nil {
		hylog.Sync.Errorw("load peer cursor failed", "error", err)
		cursor = &peercursor.Cursor{Identity: f.Identity}
	}
	cursor.Identity = f.Identity
	cursor.Nickname = f.Nickname
	c.cursor = cursor

	c.connected.Store(true)
	c.cmdEvents <- Event{Kind: EventConnected, Nickname: f.Nickname}
	c.cmdEvents <- Event{Kind: EventSuccess}

	c.fireEvent(ctx, evHelloOK)
}

func (c *Client) onHeaderOK(ctx context.Context, f protocol.HeaderOK) {
	if c.ledger.Contains(f.Ident) {
		c.advanceCursor(f.Ident)
		c.fireEvent(ctx, evHeaderDuplicate)
		return
	}
	c.currentPost = post.Decode(f)
	c.fireEvent(ctx, evHeaderNew)
}

func (c *Client) onDataOK(ctx context.Context, f protocol.DataOK) {
	// Current design limits a post to one chunk (spec §9 note 3); a
	// nonzero offset here is a programmer assertion failure, not a
	// recoverable protocol error.
	if f.Offset != 0 {
		panic("syncclient: multi-chunk DATA-OK received, but only one chunk per post is supported")
	}
	c.currentPost.SetData(f.Content)
	c.currentPost.MarkChunkReceived(0)
	c.fireEvent(ctx, evDataOK)
}

func (c *Client) fireEvent(ctx context.Context, event string) {
	if err := c.fsm.Event(event, ctx); err != nil {
		hylog.Sync.Debugw("fsm event rejected", "event", event, "state", c.fsm.Current(), "error", err)
	}
}

// advanceCursor applies the cursor-update rule for the scan direction
// currently active (spec §4.C.4).
//
// The backward-scan rule carries over the statement flagged in spec §9 open
// question 1 (the C original's use_this_post_as_oldest reassigns the
// resolved pointer into oldest after setting newest). Here Oldest and
// Newest both hold the same ident at that point, so the reassignment leaves
// Oldest unchanged and Newest ends up set to ident — see DESIGN.md
// open-question 1.
func (c *Client) advanceCursor(ident string) {
	switch c.dir {
	case dirForward:
		c.cursor.Newest = ident
		if c.cursor.Oldest == "" {
			c.cursor.Oldest = c.cursor.Newest
		}
	case dirBackward:
		c.cursor.Oldest = ident
		if c.cursor.Newest == "" {
			c.cursor.Newest = c.cursor.Oldest
			c.cursor.Oldest = c.cursor.Newest // the §9 reassignment; a no-op here
		}
	}
}

func (c *Client) sendRequestForCurrentPhase(ctx context.Context) {
	if c.askingHead {
		c.askingHead = false
		_ = c.transport.Send(ctx, protocol.GetPost{Ident: protocol.HeadIdent})
		return
	}
	switch c.dir {
	case dirForward:
		_ = c.transport.Send(ctx, protocol.GetPost{Ident: c.cursor.Newest})
	case dirBackward:
		_ = c.transport.Send(ctx, protocol.GetPost{Ident: c.cursor.Oldest})
	}
}

func (c *Client) flipOrFinish(ctx context.Context) string {
	switch c.dir {
	case dirForward:
		c.forwardDone = true
	case dirBackward:
		c.backwardDone = true
	}
	if c.forwardDone && c.backwardDone {
		return evSyncDone
	}
	if c.dir == dirBackward {
		c.dir = dirForward
	} else {
		c.dir = dirBackward
	}
	return evHeaderDuplicate // reuse "stay in AwaitingHeader and send next request" path
}

func (c *Client) buildFSM() {
	c.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evConnect, Src: []string{StateIdle}, Dst: StateConnecting},
			{Name: evHelloOK, Src: []string{StateConnecting}, Dst: StateConnectedIdle},
			{Name: evBadEndpoint, Src: []string{StateConnecting}, Dst: StateFailed},
			{Name: evSync, Src: []string{StateConnectedIdle}, Dst: StateAwaitingHeader},
			{Name: evHeaderDuplicate, Src: []string{StateAwaitingHeader}, Dst: StateAwaitingHeader},
			{Name: evHeaderNew, Src: []string{StateAwaitingHeader}, Dst: StateAwaitingData},
			{Name: evHeaderBoundary, Src: []string{StateAwaitingHeader}, Dst: StateAwaitingHeader},
			{Name: evDataOK, Src: []string{StateAwaitingData}, Dst: StateAwaitingHeader},
			{Name: evSyncDone, Src: []string{StateAwaitingHeader}, Dst: StateConnectedIdle},
			{Name: evCommandInvalid, Src: []string{StateConnecting, StateConnectedIdle, StateAwaitingHeader, StateAwaitingData}, Dst: StateFailed},
			{Name: evServerInternal, Src: []string{StateConnecting, StateConnectedIdle, StateAwaitingHeader, StateAwaitingData}, Dst: StateFailed},
			{Name: evExpired, Src: []string{StateConnectedIdle, StateAwaitingHeader, StateAwaitingData}, Dst: StateFailed},
			{Name: evDestroy, Src: []string{StateIdle, StateConnecting, StateConnectedIdle, StateAwaitingHeader, StateAwaitingData, StateFailed}, Dst: StateIdle},
		},
		fsm.Callbacks{
			evSync: func(e *fsm.Event) {
				c.received.Store(0)
				c.forwardDone, c.backwardDone = false, false
				if c.cursor.KnownRange() {
					c.dir = dirForward
					c.askingHead = false
				} else {
					c.dir = dirBackward
					c.askingHead = true
				}
				c.sendRequestForCurrentPhase(e.Args[0].(context.Context))
			},
			evHeaderDuplicate: func(e *fsm.Event) {
				c.sendRequestForCurrentPhase(e.Args[0].(context.Context))
			},
			evHeaderNew: func(e *fsm.Event) {
				ctx := e.Args[0].(context.Context)
				_ = c.transport.Send(ctx, protocol.GetPostData{Offset: 0, Octets: protocol.ChunkSize})
			},
			evHeaderBoundary: func(e *fsm.Event) {
				ctx := e.Args[0].(context.Context)
				next := c.flipOrFinish(ctx)
				if next == evSyncDone {
					c.finishSync(ctx)
					return
				}
				c.askingHead = false
				c.sendRequestForCurrentPhase(ctx)
			},
			evDataOK: func(e *fsm.Event) {
				ctx := e.Args[0].(context.Context)
				c.commitCurrentPost(ctx)
				c.sendRequestForCurrentPhase(ctx)
			},
			evBadEndpoint: func(e *fsm.Event) {
				c.emitBadEndpoint()
			},
			evCommandInvalid: func(e *fsm.Event) {
				c.emitUnhandled()
			},
			evServerInternal: func(e *fsm.Event) {
				c.emitInternal()
			},
			evExpired: func(e *fsm.Event) {
				c.emitUnhandled()
			},
		},
	)
}

func (c *Client) commitCurrentPost(ctx context.Context) {
	p := c.currentPost
	c.currentPost = nil

	if err := c.ledger.Store(p.Dup()); err != nil {
		hylog.Sync.Errorw("ledger store failed", "error", err)
	}
	c.sink.Store(p.Dup())
	c.msgEvents <- Event{Kind: EventPost, Post: p}
	c.received.Inc()
	c.advanceCursor(p.Ident())
}

func (c *Client) finishSync(ctx context.Context) {
	if err := c.cursor.Save(c.baseDir); err != nil {
		hylog.Sync.Errorw("save peer cursor failed", "error", err)
	}
	c.msgEvents <- Event{Kind: EventSuccess, Count: int(c.received.Load())}
	c.fsm.SetState(StateConnectedIdle)
}

func (c *Client) emitUnhandled() {
	c.connected.Store(false)
	ev := Event{Kind: EventFailure, Code: -1, Reason: "Unhandled error"}
	c.cmdEvents <- ev
	c.msgEvents <- ev
}

func (c *Client) emitInternal() {
	c.connected.Store(false)
	ev := Event{Kind: EventFailure, Code: -1, Reason: "Internal server error"}
	c.cmdEvents <- ev
	c.msgEvents <- ev
}
