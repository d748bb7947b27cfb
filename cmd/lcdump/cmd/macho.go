package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/apex/log"
	"github.com/blacktop/go-dwarf"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/willglynn/goblin/macho"
	"github.com/willglynn/goblin/macho/types"
)

var (
	colorHeader  = color.New(color.Bold, color.FgHiBlue).SprintFunc()
	colorSegment = color.New(color.Bold, color.FgHiMagenta).SprintFunc()
	colorSection = color.New(color.FgHiCyan).SprintFunc()
	colorAddr    = color.New(color.Faint).SprintfFunc()
	colorStop    = color.New(color.Bold, color.FgHiRed).SprintFunc()
)

func init() {
	rootCmd.AddCommand(machoCmd)

	machoCmd.Flags().BoolP("relocs", "r", false, "Print section relocations")
	machoCmd.Flags().BoolP("json", "j", false, "Print the load commands and segments as JSON")
	machoCmd.Flags().BoolP("dwarf", "d", false, "List DWARF compile units")
	viper.BindPFlag("macho.relocs", machoCmd.Flags().Lookup("relocs"))
	viper.BindPFlag("macho.json", machoCmd.Flags().Lookup("json"))
	viper.BindPFlag("macho.dwarf", machoCmd.Flags().Lookup("dwarf"))
}

// machoCmd represents the macho command
var machoCmd = &cobra.Command{
	Use:           "macho <macho>",
	Aliases:       []string{"m"},
	Short:         "Dump a Mach-O file's load commands, segments and sections",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		showRelocs := viper.GetBool("macho.relocs")
		asJSON := viper.GetBool("macho.json")
		showDWARF := viper.GetBool("macho.dwarf")

		m, perr := macho.Open(args[0])
		if m == nil {
			return errors.Wrapf(perr, "failed to open %s", args[0])
		}
		if perr != nil {
			log.WithError(perr).Warn("load command walk stopped early")
		}

		out := cmd.OutOrStdout()
		if asJSON {
			if err := printJSON(out, m, perr); err != nil {
				return err
			}
		} else {
			if err := printMachO(out, m, showRelocs); err != nil {
				return err
			}
			if perr != nil {
				printStop(out, perr)
			}
		}

		if showDWARF {
			return printCompileUnits(out, m)
		}
		return nil
	},
}

type buildJSON struct {
	Platform string   `json:"platform"`
	MinOS    string   `json:"minos"`
	SDK      string   `json:"sdk"`
	Tools    []string `json:"tools,omitempty"`
}

type loadJSON struct {
	Offset uint64     `json:"offset"`
	Cmd    string     `json:"cmd"`
	Size   uint32     `json:"size"`
	Name   string     `json:"name,omitempty"`
	Build  *buildJSON `json:"build,omitempty"`
}

// buildVersion describes an LC_BUILD_VERSION command and its tools.
func buildVersion(m *macho.File, dat []byte, l *macho.LoadCommand) (*buildJSON, error) {
	bv, ok := l.Cmd.(*types.BuildVersionCmd)
	if !ok {
		return nil, nil
	}
	out := &buildJSON{Platform: bv.Platform.String(), MinOS: bv.Minos.String(), SDK: bv.Sdk.String()}
	it, err := l.BuildTools(dat, m.ByteOrder)
	if err != nil {
		return out, err
	}
	for _, t := range it.Tools() {
		out.Tools = append(out.Tools, t.String())
	}
	return out, nil
}

type sectionJSON struct {
	Name   string        `json:"name"`
	Seg    string        `json:"segname"`
	Addr   uint64        `json:"addr"`
	Size   uint64        `json:"size"`
	Offset uint32        `json:"offset"`
	Flags  string        `json:"flags"`
	Relocs []macho.Reloc `json:"relocs,omitempty"`
}

type segmentJSON struct {
	Name     string        `json:"name"`
	Addr     uint64        `json:"addr"`
	Memsz    uint64        `json:"memsz"`
	Offset   uint64        `json:"fileoff"`
	Filesz   uint64        `json:"filesz"`
	Prot     string        `json:"prot"`
	Sections []sectionJSON `json:"sections"`
}

type stopJSON struct {
	Offset uint64 `json:"offset"`
	Kind   string `json:"kind"`
	Cmd    string `json:"cmd"`
	Error  string `json:"error"`
}

type fileJSON struct {
	Magic    string        `json:"magic"`
	CPU      string        `json:"cpu"`
	Type     string        `json:"type"`
	Flags    []string      `json:"flags"`
	UUID     string        `json:"uuid,omitempty"`
	Loads    []loadJSON    `json:"loads"`
	Segments []segmentJSON `json:"segments"`
	Stopped  *stopJSON     `json:"stopped,omitempty"`
}

func printJSON(w io.Writer, m *macho.File, perr error) error {
	dat := m.Data()
	out := fileJSON{
		Magic: m.Magic.String(),
		CPU:   m.CPU.String(),
		Type:  m.Type.String(),
		Flags: m.Flags.List(),
	}
	if uuid, ok := m.UUID(); ok {
		out.UUID = uuid.String()
	}
	for i, l := range m.Loads {
		lj := loadJSON{Offset: l.Offset, Cmd: l.Command().String(), Size: l.CommandSize()}
		if name, ok, err := l.Name(dat); ok && err == nil {
			lj.Name = name
		}
		build, err := buildVersion(m, dat, &m.Loads[i])
		if err != nil && perr == nil {
			perr = err
		}
		lj.Build = build
		out.Loads = append(out.Loads, lj)
	}
	for _, seg := range m.Segments {
		sj := segmentJSON{
			Name:   seg.Name,
			Addr:   seg.Addr,
			Memsz:  seg.Memsz,
			Offset: seg.Offset,
			Filesz: seg.Filesz,
			Prot:   seg.Prot.String(),
		}
		secs, err := seg.AllSections()
		for _, s := range secs {
			relocs, rerr := s.Relocations().Relocs()
			if rerr != nil && perr == nil {
				perr = errors.Wrapf(rerr, "failed to read relocations of %s.%s", s.Seg, s.Name)
			}
			sj.Sections = append(sj.Sections, sectionJSON{
				Name:   s.Name,
				Seg:    s.Seg,
				Addr:   s.Addr,
				Size:   s.Size,
				Offset: s.Offset,
				Flags:  s.Flags.String(),
				Relocs: relocs,
			})
		}
		if err != nil && perr == nil {
			perr = err
		}
		out.Segments = append(out.Segments, sj)
	}
	if perr != nil {
		off, kind, cmd := stopPoint(perr)
		out.Stopped = &stopJSON{Offset: off, Kind: kind, Cmd: cmd, Error: perr.Error()}
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printMachO(w io.Writer, m *macho.File, showRelocs bool) error {
	dat := m.Data()

	fmt.Fprintln(w, colorHeader("Header"))
	fmt.Fprintln(w, "======")
	fmt.Fprint(w, m.FileHeader.String())
	fmt.Fprintf(w, "Container     = %s\n", m.Ctx)
	if uuid, ok := m.UUID(); ok {
		fmt.Fprintf(w, "UUID          = %s\n", uuid)
	}
	if addr, isVM, err := m.EntryPoint(); err == nil {
		if isVM {
			fmt.Fprintf(w, "Entry         = %#x\n", addr)
		} else {
			fmt.Fprintf(w, "Entry         = __TEXT+%#x\n", addr)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, colorHeader("Load Commands"))
	fmt.Fprintln(w, "=============")
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	for i, l := range m.Loads {
		fmt.Fprintf(tw, "%03d:\t%s\t%s\t%#x", i, colorAddr("%#08x", l.Offset), l.Command(), l.CommandSize())
		name, ok, err := l.Name(dat)
		switch {
		case err != nil:
			fmt.Fprintf(tw, "\t%s", colorStop(err.Error()))
		case ok:
			fmt.Fprintf(tw, "\t%s", name)
		}
		build, err := buildVersion(m, dat, &m.Loads[i])
		if build != nil {
			fmt.Fprintf(tw, "\t%s minos=%s sdk=%s", build.Platform, build.MinOS, build.SDK)
			if len(build.Tools) > 0 {
				fmt.Fprintf(tw, " tools=%s", strings.Join(build.Tools, ", "))
			}
		}
		if err != nil {
			fmt.Fprintf(tw, "\t%s", colorStop(err.Error()))
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()
	fmt.Fprintln(w)

	fmt.Fprintln(w, colorHeader("Segments"))
	fmt.Fprintln(w, "========")
	for _, seg := range m.Segments {
		fmt.Fprintf(w, "%s\t%s-%s\t%s/%s\t%s\n",
			colorSegment(seg.Name),
			colorAddr("%#x", seg.Addr), colorAddr("%#x", seg.Addr+seg.Memsz),
			seg.Prot, seg.Maxprot,
			humanize.Bytes(seg.Filesz))
		it := seg.Sections()
		for {
			s, err := it.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				fmt.Fprintf(w, "    %s\n", colorStop(err.Error()))
				break
			}
			fmt.Fprintf(w, "    %s\t%s-%s\t%s\t%s\n",
				colorSection(s.Seg+"."+s.Name),
				colorAddr("%#x", s.Addr), colorAddr("%#x", s.Addr+s.Size),
				humanize.Bytes(s.Size),
				s.Flags)
			if showRelocs && s.Nreloc > 0 {
				printRelocs(w, s)
			}
		}
	}
	return nil
}

func printRelocs(w io.Writer, s *macho.Section) {
	it := s.Relocations()
	for {
		r, err := it.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Fprintf(w, "        %s\n", colorStop(err.Error()))
			return
		}
		fmt.Fprintf(w, "        %s\n", r)
	}
}

// stopPoint digs the record offset and error kind out of a parse failure.
func stopPoint(err error) (off uint64, kind, cmd string) {
	var merr *macho.MalformedError
	var derr *macho.DecodeError
	switch {
	case errors.As(err, &merr):
		return merr.Offset, "malformed", merr.Cmd.String()
	case errors.As(err, &derr):
		return derr.Offset, "decode", derr.Cmd.String()
	}
	return 0, "unknown", ""
}

func printStop(w io.Writer, err error) {
	off, kind, cmd := stopPoint(err)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s error at %#x (%s)\n", colorStop("stopped:"), kind, off, cmd)
	fmt.Fprintf(w, "    %s\n", err)
}

func printCompileUnits(w io.Writer, m *macho.File) error {
	d, err := m.DWARF()
	if err != nil {
		return errors.Wrap(err, "failed to load DWARF")
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, colorHeader("Compile Units"))
	fmt.Fprintln(w, "=============")
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return errors.Wrap(err, "failed to read DWARF entry")
		}
		if e == nil {
			return nil
		}
		if e.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		name, _ := e.Val(dwarf.AttrName).(string)
		lang := ""
		if l, ok := e.Val(dwarf.AttrLanguage).(int64); ok {
			lang = fmt.Sprintf(" (lang %#x)", l)
		}
		fmt.Fprintf(w, "%s%s\n", name, lang)
		r.SkipChildren()
	}
}
