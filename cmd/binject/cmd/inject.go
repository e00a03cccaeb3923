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
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smoltools/binject/internal/utils"
	"github.com/smoltools/binject/pkg/inject"
)

func init() {
	rootCmd.AddCommand(injectCmd)
	injectCmd.Flags().StringP("name", "n", "", "Slot name for the payload")
	injectCmd.MarkFlagRequired("name")
	injectCmd.Flags().StringP("output", "o", "", "Output file path (default overwrites the target in place)")
	injectCmd.MarkFlagFilename("output")
	injectCmd.Flags().BoolP("mapped", "m", false, "Make the slot visible in the loaded process image")
	viper.BindPFlag("inject.name", injectCmd.Flags().Lookup("name"))
	viper.BindPFlag("inject.output", injectCmd.Flags().Lookup("output"))
	viper.BindPFlag("inject.mapped", injectCmd.Flags().Lookup("mapped"))
}

// injectCmd represents the inject command
var injectCmd = &cobra.Command{
	Use:          "inject <target> <payload>",
	Short:        "Inject a named payload slot into an executable",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		targetPath := filepath.Clean(args[0])
		target, err := os.ReadFile(targetPath)
		if err != nil {
			return fmt.Errorf("failed to read target %s: %v", targetPath, err)
		}
		payload, err := os.ReadFile(filepath.Clean(args[1]))
		if err != nil {
			return fmt.Errorf("failed to read payload %s: %v", args[1], err)
		}

		mode := inject.FileOffsetOnly
		if viper.GetBool("inject.mapped") {
			mode = inject.MemoryMapped
		}

		name := viper.GetString("inject.name")
		out, err := inject.Inject(target, name, payload, mode)
		if err != nil {
			return fmt.Errorf("failed to inject payload: %v", err)
		}

		outPath := viper.GetString("inject.output")
		if outPath == "" {
			outPath = targetPath
		}
		if err := utils.WriteExecutableAtomic(outPath, out); err != nil {
			return fmt.Errorf("failed to write %s: %v", outPath, err)
		}

		log.WithFields(log.Fields{
			"slot": name,
			"size": humanize.Bytes(uint64(len(payload))),
			"mode": mode.String(),
		}).Infof("injected payload into %s", outPath)
		return nil
	},
}
