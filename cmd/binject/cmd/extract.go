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

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smoltools/binject/pkg/inject"
)

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringP("name", "n", "", "Slot name to extract")
	extractCmd.MarkFlagRequired("name")
	extractCmd.Flags().StringP("output", "o", "", "Output file path (for stdout use '-')")
	extractCmd.MarkFlagRequired("output")
	extractCmd.MarkFlagFilename("output")
	viper.BindPFlag("extract.name", extractCmd.Flags().Lookup("name"))
	viper.BindPFlag("extract.output", extractCmd.Flags().Lookup("output"))
}

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:          "extract <target>",
	Short:        "Extract a payload slot from an executable",
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

		data, err := inject.Extract(target, viper.GetString("extract.name"))
		if err != nil {
			return fmt.Errorf("failed to extract payload: %v", err)
		}

		outFile := viper.GetString("extract.output")
		if outFile == "-" {
			if _, err := os.Stdout.Write(data); err != nil {
				return fmt.Errorf("failed to write to stdout: %v", err)
			}
			return nil
		}
		if err := os.WriteFile(outFile, data, 0644); err != nil {
			return fmt.Errorf("failed to write to file %s: %v", outFile, err)
		}
		log.Infof("extracted %d bytes to %s", len(data), outFile)
		return nil
	},
}
