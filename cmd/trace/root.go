package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/armtrace/stackdump/internal/demangle"
	"github.com/armtrace/stackdump/internal/logging"
	"github.com/armtrace/stackdump/internal/memory"
	"github.com/armtrace/stackdump/internal/render"
	"github.com/armtrace/stackdump/trace"
)

// exitError carries the process exit code for a failure class: 1 for a
// trace that completed but left some frames/variables unavailable, 2 for
// a failure that prevented tracing altogether.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fatal(err error) error { return &exitError{code: 2, err: err} }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := err.(*exitError); ok {
		return e.code
	}
	return 2
}

var (
	flagExecutable      string
	flagSnapshot        string
	flagTheme           string
	flagMaxFrames       int
	flagShowZero        bool
	flagShowStatics     bool
	flagShowArt         bool
	flagShowInline      bool
	flagStaticDenyPfx   []string
	flagTransparentType []string
	flagVerbose         bool
	flagLogFile         string
)

var rootCmd = &cobra.Command{
	Use:   "trace",
	Short: "Reconstruct a backtrace from a Cortex-M device snapshot",
	RunE:  runTrace,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&flagExecutable, "exe", "", "path to the DWARF-debug-enabled ELF executable")
	rootCmd.PersistentFlags().StringVar(&flagSnapshot, "snapshot", "", "path to the captured device snapshot")
	rootCmd.PersistentFlags().StringVar(&flagTheme, "theme", "dark", "color theme: dark, light, none")
	rootCmd.PersistentFlags().IntVar(&flagMaxFrames, "max-frames", trace.DefaultMaxFrames, "maximum number of frames to unwind")
	rootCmd.PersistentFlags().BoolVar(&flagShowZero, "show-zero-sized", false, "include zero-sized fields in rendered values")
	rootCmd.PersistentFlags().BoolVar(&flagShowStatics, "show-statics", false, "include static/global variables in frame variable lists")
	rootCmd.PersistentFlags().BoolVar(&flagShowArt, "show-artificial", false, "include compiler-synthesized members (vtable pointers, etc.)")
	rootCmd.PersistentFlags().BoolVar(&flagShowInline, "show-inlined-functions", true, "include inlined frames in the backtrace")
	rootCmd.PersistentFlags().StringSliceVar(&flagStaticDenyPfx, "static-deny-prefix", nil, "omit module-level static variables whose compilation unit name starts with this prefix (repeatable)")
	rootCmd.PersistentFlags().StringSliceVar(&flagTransparentType, "transparent-type", nil, "skip this typedef name when naming a rendered value, showing the underlying type instead (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug-level logging")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "additionally write JSON logs to this file")

	for _, name := range []string{"exe", "snapshot", "theme", "max-frames", "show-zero-sized", "show-statics", "show-artificial", "show-inlined-functions", "static-deny-prefix", "transparent-type", "verbose", "log-file"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	rootCmd.AddCommand(regionsCmd, registersCmd, readCmd)
}

// initConfig wires viper's environment lookup: every flag above can also
// be set via STACKDUMP_<FLAG_NAME>, giving the config layer an environment
// surface alongside cobra's CLI flags.
func initConfig() {
	viper.SetEnvPrefix("stackdump")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func buildLogger() *slog.Logger {
	opt := logging.Options{Verbose: viper.GetBool("verbose")}
	if path := viper.GetString("log-file"); path != "" {
		f, err := os.Create(path)
		if err == nil {
			opt.JSONFile = f
		}
	}
	return logging.New(opt)
}

func renderOptions() render.Options {
	opt := render.DefaultOptions()
	opt.Theme = render.ParseTheme(viper.GetString("theme"))
	opt.ShowZeroSized = viper.GetBool("show-zero-sized")
	opt.ShowStatics = viper.GetBool("show-statics")
	opt.ShowArtificial = viper.GetBool("show-artificial")
	opt.TransparentTypeNames = viper.GetStringSlice("transparent-type")
	return opt
}

func runTrace(cmd *cobra.Command, args []string) error {
	exe := viper.GetString("exe")
	snap := viper.GetString("snapshot")
	if exe == "" || snap == "" {
		return fatal(fmt.Errorf("both --exe and --snapshot are required"))
	}

	result, err := trace.Trace(trace.Options{
		ExecutablePath:       exe,
		SnapshotPath:         snap,
		MaxFrames:            viper.GetInt("max-frames"),
		Render:               renderOptions(),
		Logger:               buildLogger(),
		ShowInlinedFunctions: viper.GetBool("show-inlined-functions"),
		StaticDenyPrefixes:   viper.GetStringSlice("static-deny-prefix"),
	})
	if err != nil {
		return fatal(err)
	}

	degraded := printFrames(cmd, result)
	if degraded {
		os.Exit(1)
	}
	return nil
}

func printFrames(cmd *cobra.Command, result *trace.Result) (degraded bool) {
	out := cmd.OutOrStdout()
	for i, f := range result.Frames {
		if f.Exception {
			name := f.VectorName
			if name == "" {
				name = "<unknown exception>"
				degraded = true
			}
			fmt.Fprintf(out, "#%d  <exception: %s>\n", i, name)
			continue
		}
		name := f.FunctionName
		if looksMangled(name) {
			name = demangle.Name(name)
		}
		loc := ""
		if f.HasSource {
			loc = fmt.Sprintf(" at %s:%d", f.Source.File, f.Source.Line)
		} else {
			degraded = true
		}
		inline := ""
		if f.IsInline {
			inline = " [inlined]"
		}
		fmt.Fprintf(out, "#%d  %s%s%s\n", i, name, loc, inline)
		for _, v := range f.RenderedVariables {
			kind := "var"
			if v.IsParam {
				kind = "arg"
			}
			fmt.Fprintf(out, "      %s %s = %s\n", kind, v.Name, v.Text)
			if strings.Contains(v.Text, "<") {
				degraded = true
			}
		}
	}
	return degraded
}

func looksMangled(name string) bool {
	return strings.HasPrefix(name, "_Z") || strings.HasPrefix(name, "_R")
}

func openSnapshot() (*memory.DeviceMemory, error) {
	snap := viper.GetString("snapshot")
	if snap == "" {
		return nil, fatal(fmt.Errorf("--snapshot is required"))
	}
	mem, err := trace.DeviceMemoryFrom(snap)
	if err != nil {
		return nil, fatal(err)
	}
	return mem, nil
}

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "List the memory regions captured in a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		mem, err := openSnapshot()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, r := range mem.Regions() {
			fmt.Fprintf(out, "0x%08x  %8d bytes  (end 0x%08x)\n", uint64(r.Base), len(r.Bytes), uint64(r.Max()))
		}
		return nil
	},
}

var registersCmd = &cobra.Command{
	Use:   "registers",
	Short: "Print the captured register values in a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		mem, err := openSnapshot()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for n := uint32(0); n < 17; n++ {
			v, err := mem.Register(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(out, "r%-3d 0x%08x\n", n, v)
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <address> [length]",
	Short: "Dump raw bytes from a captured memory region",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mem, err := openSnapshot()
		if err != nil {
			return err
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64)
		if err != nil {
			return fatal(fmt.Errorf("parsing address %q: %w", args[0], err))
		}
		n := int64(256)
		if len(args) == 2 {
			parsed, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fatal(fmt.Errorf("parsing length %q: %w", args[1], err))
			}
			n = parsed
		}
		b, err := mem.ReadBytes(memory.Address(addr), n)
		if err != nil {
			return fatal(err)
		}
		out := cmd.OutOrStdout()
		perLine := bytesPerLine()
		for i := int64(0); i < int64(len(b)); i += perLine {
			end := i + perLine
			if end > int64(len(b)) {
				end = int64(len(b))
			}
			fmt.Fprintf(out, "0x%08x:", addr+uint64(i))
			for _, x := range b[i:end] {
				fmt.Fprintf(out, " %02x", x)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

// bytesPerLine sizes the read subcommand's hex dump to the controlling
// terminal's width (3 output columns per byte, plus the leading address),
// falling back to a fixed 16 when stdout isn't a terminal or the ioctl
// fails (piped output, CI logs).
func bytesPerLine() int64 {
	const fallback = 16
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil || ws.Col == 0 {
		return fallback
	}
	cols := (int64(ws.Col) - 11) / 3
	if cols < 8 {
		return fallback
	}
	return cols - cols%8
}
