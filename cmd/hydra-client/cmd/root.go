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

// Package cmd is the cobra command tree for hydra-client, the Sync Client
// CLI (spec §4.C).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/galencm/hydra/internal/hylog"
)

var (
	baseDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:               "hydra-client",
	Short:             "client of the Hydra P2P post-replication network",
	SilenceUsage:      true,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			return hylog.InitConsole(true)
		}
		return hylog.InitFile(baseDir, verbose)
	},
}

// Execute runs the hydra-client root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&baseDir, "base-dir", ".", "working directory holding hydra.cfg, posts/ and peers/")
	flags.BoolVar(&verbose, "verbose", false, "log to console instead of the rotating log file under --base-dir")
	_ = viper.BindPFlags(flags)
}
