// Command sleuth loads a PE, ELF, or minidump image and runs the
// registered resolver library against it, printing each resolver's
// outcome. It is a thin driver only: no diffing, progress UI, or
// PDB/CSV report writers live here -- those remain external
// collaborators.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xyproto/sleuth/internal/config"
	"github.com/xyproto/sleuth/internal/logx"
	"github.com/xyproto/sleuth/pkg/image"
	"github.com/xyproto/sleuth/pkg/memory"
	"github.com/xyproto/sleuth/pkg/resolver"
	_ "github.com/xyproto/sleuth/pkg/resolvers"
)

var (
	cfgFile string
	verbose bool
	only    []string
)

var rootCmd = &cobra.Command{
	Use:   "sleuth <image>",
	Short: "Locate symbolic entities inside a stripped game engine binary",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to a sleuth.yaml config file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().StringSliceVar(&only, "resolver", nil, "run only the named resolvers (default: all registered)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Verbose = true
	}
	logx.SetVerbose(cfg.Verbose)

	data, err := memory.MapFile(args[0])
	if err != nil {
		return err
	}
	img, err := image.Load(data)
	if err != nil {
		return fmt.Errorf("loading %s: %w", args[0], err)
	}
	logx.Info("image loaded", "path", args[0], "format", img.Format(), "base", img.ImageBase())

	names := only
	if len(names) == 0 {
		names = resolver.Names()
	}
	sort.Strings(names)

	results := resolver.Run(img, names...)

	hit := color.New(color.FgGreen, color.Bold)
	miss := color.New(color.FgRed)
	for _, name := range names {
		r := results[name]
		if r.Err != nil {
			miss.Printf("%-45s MISS  %v\n", name, r.Err)
			continue
		}
		hit.Printf("%-45s HIT   %#v\n", name, r.Value)
	}
	return nil
}
