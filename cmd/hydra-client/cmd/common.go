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

package cmd

import (
	"context"
	"fmt"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/galencm/hydra/internal/hylog"
	"github.com/galencm/hydra/internal/wiretransport"
	"github.com/galencm/hydra/syncclient"
)

// lockWorkingDir prevents two hydra-client processes from racing over the
// same --base-dir (spec §5 "Shared resources" applies to the CLI's own
// on-disk state just as much as the posts/ directory it writes through
// Ledger). Caller must Unlock the returned lock.
func lockWorkingDir(dir string) (*flock.Flock, error) {
	l := flock.New(dir + "/.hydra-client.lock")
	ok, err := l.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "lock base dir")
	}
	if !ok {
		return nil, errors.New("another hydra-client is already running against this --base-dir")
	}
	return l, nil
}

// newClient wires a fresh syncclient.Client to a real TCP transport and a
// channel-backed storage sink, and starts its actor loop in the background.
func newClient(ctx context.Context) (*syncclient.Client, <-chan struct{}, error) {
	sink := make(syncclient.ChanSink, 16)
	go drainSink(sink)

	client, err := syncclient.New(baseDir, wiretransport.New(), sink)
	if err != nil {
		return nil, nil, err
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := client.Run(ctx); err != nil {
			hylog.Sync.Debugw("client run stopped", "error", err)
		}
	}()
	return client, stopped, nil
}

// drainSink exists because StorageSink delivery is mandatory (Store blocks
// on an unbuffered or full channel) but the CLI's own record of truth is the
// Ledger the actor already persists to disk; nothing further needs doing
// with the post here.
func drainSink(sink syncclient.ChanSink) {
	for range sink {
	}
}

// printFailure reports an actor FAILURE event, adding "while connected" when
// Connected() still reports a live session. The actor clears that flag
// before it emits a session FAILURE and on Destroy, so when called after
// Destroy, as connect and sync do, the plain form is printed.
func printFailure(client *syncclient.Client, ev syncclient.Event) error {
	if client.Connected() {
		return fmt.Errorf("FAILURE(%d) while connected: %s", ev.Code, ev.Reason)
	}
	return fmt.Errorf("FAILURE(%d): %s", ev.Code, ev.Reason)
}
