// Package memory implements the address-indexed read facade over a
// post-mortem snapshot: the union of captured memory regions and register
// snapshots that make up a single crash-time DeviceMemory view.
//
// The design follows a core-file reader's Process/Mapping machinery (a
// radix page table keyed on 4K-aligned chunks of the address space) but
// drops everything specific to live ELF core files: regions here are
// supplied directly by the snapshot decoder, not mmap'd from a core file.
package memory

import (
	"errors"
	"fmt"
	"sort"
)

// Address is a virtual address in the captured device's address space.
type Address uint64

func (a Address) Add(n int64) Address { return Address(int64(a) + n) }
func (a Address) Sub(b Address) int64 { return int64(a) - int64(b) }

// Errors used by DeviceMemory.ReadBytes and DeviceMemory.Register.
var (
	// ErrOutOfRange names an address not covered by any known mapping.
	// ReadBytes does not return it: an address outside every region is
	// reported as an *UncapturedError (ErrUncaptured).
	ErrOutOfRange = errors.New("memory: address out of range")
	// ErrUncaptured means the address falls inside the device's address
	// space conceptually but the bytes were never captured (partial
	// region coverage, or a region the capture tool chose to omit).
	ErrUncaptured = errors.New("memory: address not within available memory")
	// ErrUnknownRegister means the register number was never captured in
	// any RegisterFile.
	ErrUnknownRegister = errors.New("memory: unknown register")
)

// UncapturedError carries the exact missing subrange so callers can report
// forensic detail about what wasn't captured.
type UncapturedError struct {
	Addr Address
	Len  int64
}

func (e *UncapturedError) Error() string {
	return fmt.Sprintf("%v: [0x%x, 0x%x)", ErrUncaptured, e.Addr, e.Addr.Add(e.Len))
}

func (e *UncapturedError) Unwrap() error { return ErrUncaptured }

// Region is a half-open, immutable byte range [Base, Base+Len) captured
// from the device. Regions in a DeviceMemory MUST NOT overlap.
type Region struct {
	Base  Address
	Bytes []byte // len(Bytes) == Len, advisory length is kept equal by construction
}

// Len is the advisory length of the region; it always equals len(Bytes).
func (r *Region) Len() int64 { return int64(len(r.Bytes)) }

// Max is the address just beyond the region.
func (r *Region) Max() Address { return r.Base.Add(r.Len()) }

// read copies min(n, available) bytes starting at addr into out, returning
// the number of bytes copied. Returns 0 if addr is entirely outside r.
func (r *Region) read(addr Address, out []byte) int {
	if addr < r.Base || addr >= r.Max() {
		return 0
	}
	off := addr.Sub(r.Base)
	n := copy(out, r.Bytes[off:])
	return n
}

// RegisterFile is a named set of platform register values captured at
// snapshot time (e.g. the Cortex-M core register set, or the FPU set).
// Values are stored widened to uint64; Width records the byte width a
// given register was actually captured at (4 on Cortex-M core and FPU
// single-precision registers).
type RegisterFile struct {
	Name   string
	Width  int // byte width of each register in this file
	values map[uint32]uint64
}

// NewRegisterFile creates an empty, named register file.
func NewRegisterFile(name string, width int) *RegisterFile {
	return &RegisterFile{Name: name, Width: width, values: make(map[uint32]uint64)}
}

// Set stores a register value. Safe to call repeatedly; later calls
// overwrite earlier ones.
func (f *RegisterFile) Set(num uint32, v uint64) {
	f.values[num] = v
}

func (f *RegisterFile) get(num uint32) (uint64, bool) {
	v, ok := f.values[num]
	return v, ok
}

// Value exposes a register's raw value, for callers (such as the snapshot
// encoder) that need to re-serialize a register file rather than evaluate
// a location expression against it.
func (f *RegisterFile) Value(num uint32) (uint64, bool) {
	return f.get(num)
}

// Nums returns the set of register numbers present in f, in ascending
// order, for deterministic re-serialization.
func (f *RegisterFile) Nums() []uint32 {
	nums := make([]uint32, 0, len(f.values))
	for n := range f.values {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// DeviceMemory is an ownership-neutral aggregation of a captured device's
// state: an ordered list of memory regions and an ordered list of
// register sets, plus an optional overlay register file used during
// unwinding.
type DeviceMemory struct {
	regions   []*Region
	registers []*RegisterFile
	overlay   *RegisterFile // pushed by CloneWithOverrides, nil at top level

	pageTable pageTable4
}

// New builds a DeviceMemory from already-decoded regions and register
// files. Regions must not overlap; New does not validate this (the
// snapshot decoder is the only constructor callers should use in
// practice, and it is responsible for rejecting overlaps at parse time).
func New(regions []*Region, registers []*RegisterFile) *DeviceMemory {
	d := &DeviceMemory{regions: regions, registers: registers}
	for _, r := range regions {
		d.addRegion(r)
	}
	return d
}

// Regions returns the memory regions backing this DeviceMemory, in the
// order they were added.
func (d *DeviceMemory) Regions() []*Region { return d.regions }

// ReadBytes reads n bytes at addr. It succeeds only if the range is fully
// covered by exactly one region; partial coverage returns an
// *UncapturedError reporting the first missing subrange.
func (d *DeviceMemory) ReadBytes(addr Address, n int64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	r := d.findRegion(addr)
	if r != nil && (addr < r.Base || addr >= r.Max()) {
		// Several regions can share one 4K page; the page table keeps only
		// the last one added, so fall back to a scan for the right one.
		r = nil
		for _, c := range d.regions {
			if c.Base <= addr && addr < c.Max() {
				r = c
				break
			}
		}
	}
	if r == nil {
		return nil, &UncapturedError{Addr: addr, Len: n}
	}
	if addr.Add(n) > r.Max() {
		return nil, &UncapturedError{Addr: r.Max(), Len: addr.Add(n).Sub(r.Max())}
	}
	out := make([]byte, n)
	r.read(addr, out)
	return out, nil
}

// ReadU32 reads a little-endian uint32 at addr (Cortex-M is little-endian
// in all supported configurations).
func (d *DeviceMemory) ReadU32(addr Address) (uint32, error) {
	b, err := d.ReadBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// Register reads register num, consulting the overlay (if any) before the
// base register files, in order.
func (d *DeviceMemory) Register(num uint32) (uint64, error) {
	if d.overlay != nil {
		if v, ok := d.overlay.get(num); ok {
			return v, nil
		}
	}
	for _, f := range d.registers {
		if v, ok := f.get(num); ok {
			return v, nil
		}
	}
	return 0, fmt.Errorf("register %d: %w", num, ErrUnknownRegister)
}

// RegisterWrite writes into the topmost overlay if present, else into the
// first base register file. Used by the unwinder for speculative register
// reconstruction; never mutates the caller's own view because
// CloneWithOverrides hands back a private overlay.
func (d *DeviceMemory) RegisterWrite(num uint32, v uint64) {
	if d.overlay != nil {
		d.overlay.Set(num, v)
		return
	}
	if len(d.registers) == 0 {
		d.registers = append(d.registers, NewRegisterFile("core", 4))
	}
	d.registers[0].Set(num, v)
}

// CloneWithOverrides returns a new DeviceMemory sharing the same regions
// and base register files but with a private overlay register file the
// unwinder can mutate freely. Used once per unwind step; the overlay is
// dropped when the step completes (the caller simply discards the clone).
func (d *DeviceMemory) CloneWithOverrides() *DeviceMemory {
	clone := &DeviceMemory{
		regions:   d.regions,
		registers: d.registers,
		overlay:   NewRegisterFile("overlay", 4),
		pageTable: d.pageTable,
	}
	return clone
}

func (d *DeviceMemory) findRegion(a Address) *Region {
	t3 := d.pageTable[a>>52]
	if t3 == nil {
		return nil
	}
	t2 := t3[a>>42%(1<<10)]
	if t2 == nil {
		return nil
	}
	t1 := t2[a>>32%(1<<10)]
	if t1 == nil {
		return nil
	}
	t0 := t1[a>>22%(1<<10)]
	if t0 == nil {
		return nil
	}
	return t0[a>>12%(1<<10)]
}

func (d *DeviceMemory) addRegion(r *Region) {
	base := r.Base - r.Base%4096
	top := r.Max()
	if top%4096 != 0 {
		top += 4096 - top%4096
	}
	for a := base; a < top; a += 4096 {
		i3 := a >> 52
		t3 := d.pageTable[i3]
		if t3 == nil {
			t3 = new(pageTable3)
			d.pageTable[i3] = t3
		}
		i2 := a >> 42 % (1 << 10)
		t2 := t3[i2]
		if t2 == nil {
			t2 = new(pageTable2)
			t3[i2] = t2
		}
		i1 := a >> 32 % (1 << 10)
		t1 := t2[i1]
		if t1 == nil {
			t1 = new(pageTable1)
			t2[i1] = t1
		}
		i0 := a >> 22 % (1 << 10)
		t0 := t1[i0]
		if t0 == nil {
			t0 = new(pageTable0)
			t1[i0] = t0
		}
		t0[a>>12%(1<<10)] = r
	}
}

// 4K granularity for the radix page table; Cortex-M address spaces are
// 32-bit so in practice only the bottom levels are ever populated.
type pageTable0 [1 << 10]*Region
type pageTable1 [1 << 10]*pageTable0
type pageTable2 [1 << 10]*pageTable1
type pageTable3 [1 << 10]*pageTable2
type pageTable4 [1 << 12]*pageTable3
