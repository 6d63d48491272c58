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

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/galencm/hydra/syncclient"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "connect to a peer and replicate its post history",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	flags := syncCmd.Flags()
	flags.StringVarP(&endpoint, "endpoint", "e", "", "peer endpoint, e.g. tcp://127.0.0.1:7890")
	flags.IntVarP(&timeoutMS, "timeout", "t", 5000, "connect timeout in milliseconds")
	_ = syncCmd.MarkFlagRequired("endpoint")
}

func runSync(cmd *cobra.Command, args []string) error {
	lock, err := lockWorkingDir(baseDir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client, stopped, err := newClient(ctx)
	if err != nil {
		return err
	}
	client.SetVerbose(verbose)

	bar := progressbar.Default(-1, "syncing posts")

	client.Connect(endpoint, timeoutMS)

	cmdEvents := client.CommandEvents()
	msgEvents := client.MessageEvents()

	for cmdEvents != nil || msgEvents != nil {
		select {
		case ev, ok := <-cmdEvents:
			if !ok {
				cmdEvents = nil
				continue
			}
			switch ev.Kind {
			case syncclient.EventConnected:
				fmt.Printf("CONNECTED to %s (%s)\n", endpoint, ev.Nickname)
				client.Sync()
			case syncclient.EventFailure:
				client.Destroy()
				<-stopped
				return printFailure(client, ev)
			}

		case ev, ok := <-msgEvents:
			if !ok {
				msgEvents = nil
				continue
			}
			switch ev.Kind {
			case syncclient.EventPost:
				_ = bar.Add(1)
			case syncclient.EventSuccess:
				_ = bar.Finish()
				fmt.Printf("SUCCESS: %d new post(s) replicated\n", ev.Count)
				client.Destroy()
				<-stopped
				return nil
			case syncclient.EventFailure:
				client.Destroy()
				<-stopped
				return printFailure(client, ev)
			}
		}
	}
	return nil
}
