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

	"github.com/spf13/cobra"

	"github.com/galencm/hydra/syncclient"
)

var (
	endpoint  string
	timeoutMS int
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "open a session to a peer and report CONNECTED or FAILURE",
	Args:  cobra.NoArgs,
	RunE:  runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)

	flags := connectCmd.Flags()
	flags.StringVarP(&endpoint, "endpoint", "e", "", "peer endpoint, e.g. tcp://127.0.0.1:7890")
	flags.IntVarP(&timeoutMS, "timeout", "t", 5000, "connect timeout in milliseconds")
	_ = connectCmd.MarkFlagRequired("endpoint")
}

func runConnect(cmd *cobra.Command, args []string) error {
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

	client.Connect(endpoint, timeoutMS)

	for ev := range client.CommandEvents() {
		switch ev.Kind {
		case syncclient.EventConnected:
			fmt.Printf("CONNECTED to %s (%s), live=%t\n", endpoint, ev.Nickname, client.Connected())
		case syncclient.EventSuccess:
			client.Destroy()
			<-stopped
			return nil
		case syncclient.EventFailure:
			client.Destroy()
			<-stopped
			return printFailure(client, ev)
		}
	}
	return nil
}
