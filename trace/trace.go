// Package trace is the tracer's public facade: it wires memory,
// dwarfdata, typeinfo, locexpr, unwind, frameasm and render together
// behind a single Trace entry point, the way viewcore-style tools tie
// their packages together behind one process-level facade.
package trace

import (
	"fmt"
	"log/slog"

	"github.com/armtrace/stackdump/internal/dwarfdata"
	"github.com/armtrace/stackdump/internal/frameasm"
	"github.com/armtrace/stackdump/internal/logging"
	"github.com/armtrace/stackdump/internal/memory"
	"github.com/armtrace/stackdump/internal/render"
	"github.com/armtrace/stackdump/internal/snapshot"
	"github.com/armtrace/stackdump/internal/typeinfo"
	"github.com/armtrace/stackdump/internal/unwind"
)

// DefaultMaxFrames bounds how many raw frames the unwinder will walk
// before giving up, so a corrupted or cyclic stack can't unwind forever.
const DefaultMaxFrames = 256

// Options configures a Trace call.
type Options struct {
	ExecutablePath string
	SnapshotPath   string
	MaxFrames      int
	Render         render.Options
	Logger         *slog.Logger

	// ShowInlinedFunctions includes/excludes inlined frames. Defaults to
	// true when Options is built via DefaultOptions; the zero value of
	// Options alone means false, so callers constructing Options by hand
	// should set it explicitly.
	ShowInlinedFunctions bool
	// StaticDenyPrefixes excludes module-level static variables declared in
	// a compilation unit whose name starts with one of these prefixes.
	StaticDenyPrefixes []string
}

// DefaultOptions returns an Options with the tracer's out-of-the-box
// behavior: inlined frames shown, the render defaults of
// render.DefaultOptions, and no static-variable deny-list.
func DefaultOptions() Options {
	return Options{
		MaxFrames:            DefaultMaxFrames,
		Render:               render.DefaultOptions(),
		ShowInlinedFunctions: true,
	}
}

// Frame is one entry of the final, ordered backtrace returned by Trace:
// a logical (possibly inlined) frame plus its rendered variables.
type Frame struct {
	frameasm.LogicalFrame
	RenderedVariables []RenderedVariable
}

// RenderedVariable pairs a frameasm.Variable's name with its formatted
// value, ready for direct display.
type RenderedVariable struct {
	Name    string
	IsParam bool
	Text    string
}

// Result is everything Trace produces for one snapshot.
type Result struct {
	Frames []Frame
}

// Trace loads opt.ExecutablePath's DWARF info and opt.SnapshotPath's
// captured memory/registers, unwinds the call stack, expands inlined
// frames, and renders every visible variable.
func Trace(opt Options) (*Result, error) {
	log := opt.Logger
	if log == nil {
		log = logging.Discard()
	}
	maxFrames := opt.MaxFrames
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}

	loader, err := dwarfdata.Load(opt.ExecutablePath)
	if err != nil {
		return nil, fmt.Errorf("trace: loading debug info: %w", err)
	}
	log.Info("loaded executable", "path", opt.ExecutablePath, "compilation_units", len(loader.CompUnits()))

	mem, err := snapshot.LoadFile(opt.SnapshotPath)
	if err != nil {
		return nil, fmt.Errorf("trace: loading snapshot: %w", err)
	}
	log.Info("loaded snapshot", "path", opt.SnapshotPath, "regions", len(mem.Regions()))

	resolver := typeinfo.NewResolver(loader.DWARF())
	var platform unwind.Platform = unwind.CortexM{}

	raw, err := platform.Unwind(mem, loader, maxFrames, nil)
	if err != nil {
		return nil, fmt.Errorf("trace: unwinding: %w", err)
	}
	log.Debug("unwound raw frames", "count", len(raw))

	asm := frameasm.New(loader, resolver, mem)
	asm.ShowStatics = opt.Render.ShowStatics
	asm.ShowZeroSized = opt.Render.ShowZeroSized
	asm.StaticDenyPrefixes = opt.StaticDenyPrefixes
	asm.ShowInlinedFunctions = opt.ShowInlinedFunctions
	renderer := render.New(mem, opt.Render)

	var result Result
	for _, rf := range raw {
		logical, err := asm.Assemble(rf)
		if err != nil {
			log.Warn("frame assembly failed", "pc", rf.PC, "error", err)
			continue
		}
		for _, lf := range logical {
			f := Frame{LogicalFrame: lf}
			for _, v := range lf.Variables {
				rv := renderer.RenderLocation(v.Type, v.Location, 0)
				f.RenderedVariables = append(f.RenderedVariables, RenderedVariable{
					Name:    v.Name,
					IsParam: v.IsParam,
					Text:    render.Format(rv, opt.Render),
				})
			}
			result.Frames = append(result.Frames, f)
		}
	}
	return &result, nil
}

// DeviceMemoryFrom decodes a snapshot file without running a full trace,
// for the regions/registers/read CLI subcommands that inspect a capture
// without reconstructing a backtrace.
func DeviceMemoryFrom(path string) (*memory.DeviceMemory, error) {
	return snapshot.LoadFile(path)
}
