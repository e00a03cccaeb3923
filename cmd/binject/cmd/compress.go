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
	"runtime"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smoltools/binject/internal/config"
	"github.com/smoltools/binject/internal/magic"
	"github.com/smoltools/binject/internal/utils"
	"github.com/smoltools/binject/pkg/comp"
	"github.com/smoltools/binject/pkg/dlx"
	"github.com/smoltools/binject/pkg/frame"
	"github.com/smoltools/binject/pkg/inject"
)

func init() {
	rootCmd.AddCommand(compressCmd)
	compressCmd.Flags().StringP("output", "o", "", "Output file path")
	compressCmd.MarkFlagRequired("output")
	compressCmd.MarkFlagFilename("output")
	compressCmd.Flags().StringP("algo", "a", "", "Use a specific algorithm for compression")
	compressCmd.RegisterFlagCompletionFunc("algo", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return comp.Algorithms(), cobra.ShellCompDirectiveDefault
	})
	compressCmd.Flags().StringP("name", "n", "", "Slot name for the frame")
	compressCmd.Flags().BoolP("mapped", "m", false, "Make the frame visible in the loaded process image")
	compressCmd.Flags().String("libc", "", "Target libc variant for Linux binaries (glibc or musl)")
	viper.BindPFlag("compress.output", compressCmd.Flags().Lookup("output"))
	viper.BindPFlag("compress.algo", compressCmd.Flags().Lookup("algo"))
	viper.BindPFlag("compress.name", compressCmd.Flags().Lookup("name"))
	viper.BindPFlag("compress.mapped", compressCmd.Flags().Lookup("mapped"))
	viper.BindPFlag("compress.libc", compressCmd.Flags().Lookup("libc"))
}

// compressCmd represents the compress command
var compressCmd = &cobra.Command{
	Use:          "compress <stub> <binary>",
	Short:        "Press a binary into a self-extracting stub",
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

		stub, err := os.ReadFile(filepath.Clean(args[0]))
		if err != nil {
			return fmt.Errorf("failed to read stub %s: %v", args[0], err)
		}
		binary, err := os.ReadFile(filepath.Clean(args[1]))
		if err != nil {
			return fmt.Errorf("failed to read binary %s: %v", args[1], err)
		}

		if frame.Contains(binary) {
			return fmt.Errorf("%s already carries a payload frame; use 'binject repack' to swap its payload", args[1])
		}

		algoName := viper.GetString("compress.algo")
		if algoName == "" {
			algoName = conf.Press.Algorithm
		}
		algo, err := comp.Lookup(algoName)
		if err != nil {
			return err
		}

		fr, err := buildFrame(binary, algo, viper.GetString("compress.libc"))
		if err != nil {
			return err
		}
		blob, err := fr.Marshal()
		if err != nil {
			return fmt.Errorf("failed to encode frame: %v", err)
		}

		slot := viper.GetString("compress.name")
		if slot == "" {
			slot = conf.Press.SlotName
		}
		mode := inject.FileOffsetOnly
		if viper.GetBool("compress.mapped") {
			mode = inject.MemoryMapped
		}

		out, err := inject.Inject(stub, slot, blob, mode)
		if err != nil {
			return fmt.Errorf("failed to inject frame: %v", err)
		}

		outPath := viper.GetString("compress.output")
		if err := utils.WriteExecutableAtomic(outPath, out); err != nil {
			return fmt.Errorf("failed to write %s: %v", outPath, err)
		}

		log.WithFields(log.Fields{
			"algorithm": algo.String(),
			"key":       fr.CacheKey,
			"before":    humanize.Bytes(fr.UncompressedSize),
			"after":     humanize.Bytes(uint64(len(fr.Compressed))),
		}).Infof("pressed %s into %s", args[1], outPath)
		return nil
	},
}

// buildFrame compresses a binary and wraps it in a frame describing
// the binary's own platform and architecture, not the host running
// the press.
func buildFrame(binary []byte, algo comp.Algorithm, libcName string) (*frame.Frame, error) {
	compressed, err := comp.Compress(binary, algo)
	if err != nil {
		return nil, fmt.Errorf("failed to compress binary: %v", err)
	}

	format, err := magic.Detect(binary)
	if err != nil {
		return nil, err
	}

	arch, err := frame.BinaryArch(binary)
	if err != nil {
		return nil, fmt.Errorf("failed to determine target architecture: %v", err)
	}

	fr := &frame.Frame{
		UncompressedSize: uint64(len(binary)),
		CacheKey:         dlx.CacheKey(compressed),
		Arch:             arch,
		Libc:             frame.NoLibc,
		Compressed:       compressed,
	}

	switch format {
	case magic.MachO:
		fr.Platform = frame.Darwin
	case magic.PE:
		fr.Platform = frame.Win32
	default:
		fr.Platform = frame.Linux
		switch libcName {
		case "musl":
			fr.Libc = frame.Musl
		case "glibc":
			fr.Libc = frame.Glibc
		case "":
			fr.Libc = frame.Glibc
			if runtime.GOOS == "linux" && dlx.LibcVariant() == "musl" {
				fr.Libc = frame.Musl
			}
		default:
			return nil, fmt.Errorf("unknown libc variant %q", libcName)
		}
	}
	return fr, nil
}
