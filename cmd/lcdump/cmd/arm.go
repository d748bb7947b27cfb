package cmd

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/willglynn/goblin/elf/arm"
)

func init() {
	rootCmd.AddCommand(armCmd)
}

// armCmd represents the arm command
var armCmd = &cobra.Command{
	Use:           "arm <elf>",
	Short:         "Print an Arm ELF file's header flags and special sections",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		f, err := elf.NewFile(bytes.NewReader(raw))
		if err != nil {
			return errors.Wrapf(err, "failed to parse %s", args[0])
		}
		defer f.Close()

		h, err := arm.FromFile(f, raw)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, colorHeader("Header"))
		fmt.Fprintln(w, "======")
		fmt.Fprintf(w, "Flags      = %#08x\n", h.Flags)
		fmt.Fprintf(w, "Summary    = %s\n", h)
		if attrs, err := arm.BuildAttributesData(f, raw); err == nil {
			fmt.Fprintf(w, "Attributes = %s\n", humanize.Bytes(uint64(len(attrs))))
		} else if !errors.Is(err, arm.ErrNoBuildAttributes) {
			return err
		}
		fmt.Fprintln(w)

		fmt.Fprintln(w, colorHeader("Special Sections"))
		fmt.Fprintln(w, "================")
		tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
		for _, s := range f.Sections {
			kind, ok := arm.Classify(s.Type, s.Name)
			if !ok {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", colorSection(s.Name), kind, colorAddr("%#x", s.Offset), humanize.Bytes(s.Size))
		}
		return tw.Flush()
	},
}
