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

// Package wiretransport is a minimal concrete protocol.Transport over a
// length-prefixed gob stream on a net.Conn.
//
// Spec §1 puts both the wire transport and the wire codec out of scope as
// external collaborators; protocol.Transport is the interface boundary that
// keeps them replaceable. This package exists only so cmd/hydra-client has
// something real to dial with — it is one possible transport, not a
// mandated wire format. Everything downstream of protocol.Transport (the
// Sync Client, tests) never imports this package directly.
package wiretransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/galencm/hydra/pkg/hyerrs"
	"github.com/galencm/hydra/protocol"
)

func init() {
	gob.Register(protocol.Hello{})
	gob.Register(protocol.HelloOK{})
	gob.Register(protocol.GetPost{})
	gob.Register(protocol.HeaderOK{})
	gob.Register(protocol.GetPostData{})
	gob.Register(protocol.DataOK{})
	gob.Register(protocol.Ping{})
	gob.Register(protocol.PingOK{})
	gob.Register(protocol.Goodbye{})
	gob.Register(protocol.GoodbyeOK{})
	gob.Register(protocol.ErrorFrame{})
}

// maxFrameBytes bounds a single length-prefixed frame, rejecting anything
// that couldn't possibly be a legitimate control frame or a single chunk of
// post content (protocol.ChunkSize plus headroom for gob's own overhead).
const maxFrameBytes = protocol.ChunkSize + 4096

type envelope struct {
	Frame protocol.Frame
}

// Transport dials endpoint as "tcp://host:port" and speaks the envelope
// framing above. Connect/Send/Recv/Close satisfy protocol.Transport.
type Transport struct {
	conn   net.Conn
	reader *bufio.Reader
}

// New returns an unconnected Transport; call Connect before Send/Recv.
func New() *Transport { return &Transport{} }

func (t *Transport) Connect(ctx context.Context, endpoint string) error {
	addr, err := parseEndpoint(endpoint)
	if err != nil {
		return hyerrs.Wrap(hyerrs.ErrBadEndpoint, err, "parse endpoint "+endpoint)
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return hyerrs.Wrap(hyerrs.ErrBadEndpoint, err, "dial "+endpoint)
	}

	t.conn = conn
	t.reader = bufio.NewReader(conn)
	return nil
}

func (t *Transport) Send(ctx context.Context, f protocol.Frame) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}

	payload, err := encode(f)
	if err != nil {
		return hyerrs.Wrap(hyerrs.ErrProtocolInvalid, err, "encode "+protocol.Name(f))
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := t.conn.Write(length[:]); err != nil {
		return hyerrs.Wrap(hyerrs.ErrTransportFailure, err, "write frame length")
	}
	if _, err := t.conn.Write(payload); err != nil {
		return hyerrs.Wrap(hyerrs.ErrTransportFailure, err, "write frame body")
	}
	return nil
}

func (t *Transport) Recv(ctx context.Context) (protocol.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}

	var length [4]byte
	if _, err := (&ioFullReader{t.reader}).readFull(length[:]); err != nil {
		return nil, hyerrs.Wrap(hyerrs.ErrTransportFailure, err, "read frame length")
	}
	n := binary.BigEndian.Uint32(length[:])
	if n == 0 || n > maxFrameBytes {
		return nil, hyerrs.Wrap(hyerrs.ErrProtocolInvalid, fmt.Errorf("frame length %d out of range", n), "frame length out of range")
	}

	body := make([]byte, n)
	if _, err := (&ioFullReader{t.reader}).readFull(body); err != nil {
		return nil, hyerrs.Wrap(hyerrs.ErrTransportFailure, err, "read frame body")
	}

	f, err := decode(body)
	if err != nil {
		return nil, hyerrs.Wrap(hyerrs.ErrProtocolInvalid, err, "decode frame")
	}
	return f, nil
}

func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func encode(f protocol.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Frame: f}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(body []byte) (protocol.Frame, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return nil, err
	}
	return env.Frame, nil
}

// parseEndpoint accepts "tcp://host:port", following the
// scheme://address shape dfnet.NetAddr uses for peer addresses, but this
// transport only ever dials tcp.
func parseEndpoint(endpoint string) (string, error) {
	const scheme = "tcp://"
	if !strings.HasPrefix(endpoint, scheme) {
		return "", errors.Errorf("endpoint %q must start with %q", endpoint, scheme)
	}
	addr := strings.TrimPrefix(endpoint, scheme)
	if addr == "" {
		return "", errors.Errorf("endpoint %q has no host:port", endpoint)
	}
	return addr, nil
}

type ioFullReader struct {
	r *bufio.Reader
}

func (f *ioFullReader) readFull(buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
