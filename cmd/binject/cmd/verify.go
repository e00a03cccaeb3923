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
	"github.com/smoltools/binject/pkg/bootstrap"
	"github.com/smoltools/binject/pkg/comp"
	"github.com/smoltools/binject/pkg/dlx"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringP("name", "n", "", "Slot name holding the frame")
	viper.BindPFlag("verify.name", verifyCmd.Flags().Lookup("name"))
}

// verifyCmd represents the verify command
var verifyCmd = &cobra.Command{
	Use:          "verify <pressed>",
	Short:        "Verify the integrity of a pressed binary",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		slot := viper.GetString("verify.name")
		if slot == "" {
			slot = conf.Press.SlotName
		}

		pressed, err := os.ReadFile(filepath.Clean(args[0]))
		if err != nil {
			return fmt.Errorf("failed to read %s: %v", args[0], err)
		}

		fr, err := bootstrap.Locate(pressed, slot)
		if err != nil {
			return err
		}
		if got := dlx.CacheKey(fr.Compressed); got != fr.CacheKey {
			return fmt.Errorf("cache key mismatch: frame says %s, payload hashes to %s", fr.CacheKey, got)
		}

		algo, err := comp.Detect(fr.Compressed)
		if err != nil {
			return fmt.Errorf("failed to identify compression: %v", err)
		}
		data, err := comp.Decompress(fr.Compressed, algo)
		if err != nil {
			return fmt.Errorf("failed to decompress payload: %v", err)
		}

		if uint64(len(data)) != fr.UncompressedSize {
			return fmt.Errorf("frame claims %d bytes, payload decompresses to %d", fr.UncompressedSize, len(data))
		}

		log.WithFields(log.Fields{
			"algorithm": algo.String(),
			"key":       fr.CacheKey,
			"target":    fmt.Sprintf("%s/%s/%s", fr.Platform, fr.Arch, fr.Libc),
			"pressed":   humanize.Bytes(uint64(len(fr.Compressed))),
			"unpressed": humanize.Bytes(fr.UncompressedSize),
			"integrity": dlx.Integrity(fr.Compressed),
		}).Info("payload verified")
		return nil
	},
}
