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

	"github.com/stretchr/testify/mock"

	"github.com/galencm/hydra/protocol"
)

// recvResult is one scripted reply for fakeTransport.Recv.
type recvResult struct {
	frame protocol.Frame
	err   error
}

// fakeTransport is the testify/mock-based fake protocol.Transport the Sync
// Client is tested against (protocol.go explicitly leaves the real wire
// transport out of scope). Connect/Send/Close go through mock.Mock so tests
// can assert on them; Recv is a scripted FIFO queue instead, since mock's
// call-matching doesn't model "block until the next server message"
// cleanly.
type fakeTransport struct {
	mock.Mock
	recvCh chan recvResult
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recvCh: make(chan recvResult, 16)}
}

// script queues replies to be returned by successive Recv calls, in order.
func (f *fakeTransport) script(results ...recvResult) {
	for _, r := range results {
		f.recvCh <- r
	}
}

func (f *fakeTransport) Connect(ctx context.Context, endpoint string) error {
	args := f.Called(ctx, endpoint)
	return args.Error(0)
}

func (f *fakeTransport) Send(ctx context.Context, fr protocol.Frame) error {
	args := f.Called(ctx, fr)
	return args.Error(0)
}

func (f *fakeTransport) Recv(ctx context.Context) (protocol.Frame, error) {
	select {
	case r := <-f.recvCh:
		return r.frame, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	args := f.Called()
	return args.Error(0)
}
