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

	"github.com/smoltools/binject/internal/config"
	"github.com/smoltools/binject/internal/utils"
	"github.com/smoltools/binject/pkg/bootstrap"
	"github.com/smoltools/binject/pkg/comp"
	"github.com/smoltools/binject/pkg/dlx"
	"github.com/smoltools/binject/pkg/frame"
	"github.com/smoltools/binject/pkg/inject"
)

func init() {
	rootCmd.AddCommand(repackCmd)
	repackCmd.Flags().StringP("output", "o", "", "Output file path (default overwrites the pressed binary in place)")
	repackCmd.MarkFlagFilename("output")
	repackCmd.Flags().StringP("name", "n", "", "Slot name holding the frame")
	viper.BindPFlag("repack.output", repackCmd.Flags().Lookup("output"))
	viper.BindPFlag("repack.name", repackCmd.Flags().Lookup("name"))
}

// repackCmd represents the repack command
var repackCmd = &cobra.Command{
	Use:          "repack <pressed> <binary>",
	Short:        "Swap the payload of an already pressed binary",
	Long: `Swap the payload of a self-extracting binary without rebuilding its
stub. The existing frame supplies the compression algorithm, target
platform, and slot placement; only the payload and cache key change.`,
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		pressedPath := filepath.Clean(args[0])
		pressed, err := os.ReadFile(pressedPath)
		if err != nil {
			return fmt.Errorf("failed to read pressed binary %s: %v", pressedPath, err)
		}
		binary, err := os.ReadFile(filepath.Clean(args[1]))
		if err != nil {
			return fmt.Errorf("failed to read binary %s: %v", args[1], err)
		}

		slot := viper.GetString("repack.name")
		if slot == "" {
			slot = conf.Press.SlotName
		}

		old, err := bootstrap.Locate(pressed, slot)
		if err != nil {
			return fmt.Errorf("%s is not a pressed binary: %v", pressedPath, err)
		}
		algo, err := comp.Detect(old.Compressed)
		if err != nil {
			return fmt.Errorf("failed to identify existing compression: %v", err)
		}

		compressed, err := comp.Compress(binary, algo)
		if err != nil {
			return fmt.Errorf("failed to compress binary: %v", err)
		}
		arch, err := frame.BinaryArch(binary)
		if err != nil {
			return fmt.Errorf("failed to determine target architecture: %v", err)
		}
		fr := &frame.Frame{
			UncompressedSize: uint64(len(binary)),
			CacheKey:         dlx.CacheKey(compressed),
			Platform:         old.Platform,
			Arch:             arch,
			Libc:             old.Libc,
			Compressed:       compressed,
		}
		blob, err := fr.Marshal()
		if err != nil {
			return fmt.Errorf("failed to encode frame: %v", err)
		}

		// Replacement reuses the existing slot, keeping its
		// discoverability mode, so the slot count and the structural
		// shape of the stub stay fixed.
		mode := inject.FileOffsetOnly
		if slots, err := inject.List(pressed); err == nil {
			for _, s := range slots {
				if s.Name == slot && s.VAddr != 0 {
					mode = inject.MemoryMapped
				}
			}
		}
		out, err := inject.Inject(pressed, slot, blob, mode)
		if err != nil {
			return fmt.Errorf("failed to replace frame: %v", err)
		}

		outPath := viper.GetString("repack.output")
		if outPath == "" {
			outPath = pressedPath
		}
		if err := utils.WriteExecutableAtomic(outPath, out); err != nil {
			return fmt.Errorf("failed to write %s: %v", outPath, err)
		}

		log.WithFields(log.Fields{
			"algorithm": algo.String(),
			"old-key":   old.CacheKey,
			"new-key":   fr.CacheKey,
			"size":      humanize.Bytes(fr.UncompressedSize),
		}).Infof("repacked %s", outPath)
		return nil
	},
}
