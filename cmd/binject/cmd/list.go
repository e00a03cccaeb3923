/*
Copyright © 2024-2025 smoltools

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/smoltools/binject/internal/magic"
	"github.com/smoltools/binject/pkg/inject"
)

func init() {
	rootCmd.AddCommand(listCmd)
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:          "list <target>",
	Short:        "List payload slots in an executable",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		target, err := os.ReadFile(filepath.Clean(args[0]))
		if err != nil {
			return fmt.Errorf("failed to read target %s: %v", args[0], err)
		}

		format, err := magic.Detect(target)
		if err != nil {
			return err
		}
		slots, err := inject.List(target)
		if err != nil {
			return fmt.Errorf("failed to list slots: %v", err)
		}

		if len(slots) == 0 {
			log.Warnf("no payload slots in %s (%s)", args[0], format)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "NAME\tSIZE\tOFFSET\tVADDR\n")
		for _, s := range slots {
			vaddr := "-"
			if s.VAddr != 0 {
				vaddr = fmt.Sprintf("%#x", s.VAddr)
			}
			fmt.Fprintf(w, "%s\t%s\t%#x\t%s\n", s.Name, humanize.Bytes(s.Size), s.Offset, vaddr)
		}
		return w.Flush()
	},
}
