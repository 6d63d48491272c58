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

// Package protocol defines the client-visible subset of the Hydra wire
// protocol (spec §6.2) as plain Go types, plus the Transport interface the
// Sync Client depends on.
//
// Per spec §1, the wire codec (how these fields are serialized onto bytes)
// and the transport (the reliable, ordered, message-framed channel itself)
// are both out-of-scope external collaborators, specified only at their
// interface. This package is that interface. The one concrete
// implementation in this module is internal/wiretransport, which the CLI
// dials with; the Sync Client's tests use a fake Transport instead.
package protocol

import "context"

// HeadIdent is the sentinel ident meaning "give me your tip".
const HeadIdent = "HEAD"

// ChunkSize is the maximum number of content bytes fetched per
// GET-POST-DATA exchange (10 MiB, spec §4.C.2 step 6).
const ChunkSize = 10 * 1024 * 1024

// Status is a reply status code (spec §6.2 ERROR frame).
type Status int

const (
	StatusOK Status = iota
	StatusCommandInvalid
	StatusNoSuchPost
	StatusInternal
)

// Frame is the common interface implemented by every protocol message.
type Frame interface {
	frameName() string
}

// Hello is sent client to server to open a session.
type Hello struct {
	Identity string
	Nickname string
}

// HelloOK is the server's reply to Hello.
type HelloOK struct {
	Identity string
	Nickname string
}

// GetPost requests a post's metadata by ident (or HeadIdent for the tip).
type GetPost struct {
	Ident string
}

// HeaderOK carries post metadata in reply to GetPost.
type HeaderOK struct {
	Subject     string
	Timestamp   string
	ParentID    string
	MimeType    string
	Digest      string
	ContentSize int64
	Ident       string
}

// GetPostData requests a chunk of a post's content.
type GetPostData struct {
	Offset int64
	Octets int64
}

// DataOK carries a content chunk in reply to GetPostData.
type DataOK struct {
	Offset  int64
	Content []byte
}

// Ping/PingOK are heartbeat frames.
type Ping struct{}
type PingOK struct{}

// Goodbye/GoodbyeOK close a session.
type Goodbye struct{}
type GoodbyeOK struct{}

// ErrorFrame is a non-OK reply.
type ErrorFrame struct {
	Status Status
}

func (Hello) frameName() string       { return "HELLO" }
func (HelloOK) frameName() string     { return "HELLO-OK" }
func (GetPost) frameName() string     { return "GET-POST" }
func (HeaderOK) frameName() string    { return "HEADER-OK" }
func (GetPostData) frameName() string { return "GET-POST-DATA" }
func (DataOK) frameName() string      { return "DATA-OK" }
func (Ping) frameName() string        { return "PING" }
func (PingOK) frameName() string      { return "PING-OK" }
func (Goodbye) frameName() string     { return "GOODBYE" }
func (GoodbyeOK) frameName() string   { return "GOODBYE-OK" }
func (ErrorFrame) frameName() string  { return "ERROR" }

// Name returns the protocol frame name for f, for logging.
func Name(f Frame) string { return f.frameName() }

// Transport is a bidirectional, ordered, message-framed channel to the
// server. Implementations may drop and must report that via Recv/Send
// returning an error; the Sync Client treats any such error as a transport
// failure (spec §7 TransportFailure).
type Transport interface {
	// Connect opens the channel to endpoint. ctx bounds the dial itself,
	// not the session lifetime.
	Connect(ctx context.Context, endpoint string) error

	// Send writes one frame.
	Send(ctx context.Context, f Frame) error

	// Recv blocks for the next frame from the peer.
	Recv(ctx context.Context) (Frame, error)

	// Close tears down the channel.
	Close() error
}
