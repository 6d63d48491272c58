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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/galencm/hydra/ledger"
	"github.com/galencm/hydra/peercursor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "report the local ledger size and known peer cursors",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	l := ledger.New(baseDir)
	n := l.Load()
	if n < 0 {
		return fmt.Errorf("could not read posts/ under %s", baseDir)
	}
	fmt.Printf("ledger: %d post(s)\n", n)

	entries, err := os.ReadDir(filepath.Join(baseDir, "peers"))
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("peers: none known")
			return nil
		}
		return err
	}

	fmt.Println("peers:")
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cfg") {
			continue
		}
		identity := strings.TrimSuffix(entry.Name(), ".cfg")
		cursor, found, err := peercursor.Load(baseDir, identity)
		if err != nil || !found {
			continue
		}
		fmt.Printf("  %s (%s): oldest=%s newest=%s\n",
			cursor.Identity, cursor.Nickname, display(cursor.Oldest), display(cursor.Newest))
	}
	return nil
}

func display(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
