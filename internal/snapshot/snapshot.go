// Package snapshot decodes the capture-side byte format: a concatenation
// of length-prefixed records, each kind(1) || length(4, LE) || payload,
// that together describe the captured memory regions and register
// snapshots for one DeviceMemory.
//
// The wire format itself is owned by the capture-side library; this
// package is the thin reader half of that contract, built the way a
// core-file reader walks an ELF core image: a forward-only decoder that
// accumulates Regions/RegisterFiles and hands them to memory.New.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/armtrace/stackdump/internal/memory"
)

// Record kinds.
const (
	kindMemoryRegion byte = 0x01
	kindRegisterData byte = 0x02
)

// ErrPreV010Region flags the breaking-change boundary at v0.10: that
// release added an explicit (base, length) pair to every region record.
// Earlier formats carried only a length and relied on a
// previously-agreed base address, which this decoder does not attempt to
// reconstruct -- a strict reader should reject rather than guess.
var ErrPreV010Region = fmt.Errorf("snapshot: pre-v0.10 length-only region record is not supported")

// Decode reads every record from r and returns the DeviceMemory they
// describe. Records may be interleaved in any order; Decode reconstructs
// DeviceMemory regardless of ordering.
func Decode(r io.Reader) (*memory.DeviceMemory, error) {
	var regions []*memory.Region
	var registers []*memory.RegisterFile

	for {
		kind, payload, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch kind {
		case kindMemoryRegion:
			reg, err := decodeMemoryRegion(payload)
			if err != nil {
				return nil, err
			}
			regions = append(regions, reg)
		case kindRegisterData:
			rf, err := decodeRegisterData(payload)
			if err != nil {
				return nil, err
			}
			registers = append(registers, rf)
		default:
			// Unknown record kinds are skipped rather than treated as
			// fatal: the core accepts any order and any unrecognized kind,
			// favoring forward compatibility with newer capture tools.
		}
	}

	return memory.New(regions, registers), nil
}

// LoadFile opens path and decodes it as a snapshot, for CLI callers that
// only have a filesystem path rather than an already-open reader.
func LoadFile(path string) (*memory.DeviceMemory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening %s: %w", path, err)
	}
	defer f.Close()
	mem, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decoding %s: %w", path, err)
	}
	return mem, nil
}

func readRecord(r io.Reader) (kind byte, payload []byte, err error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		return 0, nil, err // io.EOF propagates cleanly only when no bytes read
	}
	if _, err := io.ReadFull(r, header[1:5]); err != nil {
		return 0, nil, fmt.Errorf("snapshot: truncated record header: %w", err)
	}
	kind = header[0]
	length := binary.LittleEndian.Uint32(header[1:5])
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("snapshot: truncated record payload (kind=0x%02x, want %d bytes): %w", kind, length, err)
	}
	return kind, payload, nil
}

func decodeMemoryRegion(payload []byte) (*memory.Region, error) {
	const headerLen = 8 + 8
	if len(payload) < headerLen {
		return nil, ErrPreV010Region
	}
	base := binary.LittleEndian.Uint64(payload[0:8])
	length := binary.LittleEndian.Uint64(payload[8:16])
	bytes := payload[16:]
	if uint64(len(bytes)) != length {
		return nil, fmt.Errorf("snapshot: memory region declares length %d but carries %d bytes", length, len(bytes))
	}
	return &memory.Region{Base: memory.Address(base), Bytes: bytes}, nil
}

func decodeRegisterData(payload []byte) (*memory.RegisterFile, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("snapshot: truncated register data record")
	}
	archID := payload[0]
	width := int(payload[1])
	count := int(binary.LittleEndian.Uint16(payload[2:4]))
	want := 4 + count*width
	if len(payload) != want {
		return nil, fmt.Errorf("snapshot: register data declares %d registers of width %d (%d bytes) but payload is %d bytes", count, width, want-4, len(payload)-4)
	}
	rf := memory.NewRegisterFile(archIDName(archID), width)
	off := 4
	for i := 0; i < count; i++ {
		var v uint64
		switch width {
		case 4:
			v = uint64(binary.LittleEndian.Uint32(payload[off : off+4]))
		case 8:
			v = binary.LittleEndian.Uint64(payload[off : off+8])
		default:
			return nil, fmt.Errorf("snapshot: unsupported register width %d", width)
		}
		rf.Set(uint32(i), v)
		off += width
	}
	return rf, nil
}

func archIDName(id byte) string {
	switch id {
	case 0x01:
		return "core"
	case 0x02:
		return "fpu"
	default:
		return fmt.Sprintf("arch-%d", id)
	}
}

// Encode writes regions and register files back out in the same wire
// format Decode reads. It exists primarily to support round-trip tests
// (serialize then deserialize reconstructs a byte-identical
// DeviceMemory); the capture-side tool that produces real snapshots is
// out of scope for this package.
func Encode(w io.Writer, regions []*memory.Region, registers []*memory.RegisterFile) error {
	for _, r := range regions {
		payload := make([]byte, 16+len(r.Bytes))
		binary.LittleEndian.PutUint64(payload[0:8], uint64(r.Base))
		binary.LittleEndian.PutUint64(payload[8:16], uint64(r.Len()))
		copy(payload[16:], r.Bytes)
		if err := writeRecord(w, kindMemoryRegion, payload); err != nil {
			return err
		}
	}
	for _, rf := range registers {
		// The wire format is positional (value i is register i), so the
		// record covers registers 0..highest; absent ones are written as 0.
		nums := rf.Nums()
		count := 0
		if len(nums) > 0 {
			count = int(nums[len(nums)-1]) + 1
		}
		payload := make([]byte, 4+count*rf.Width)
		payload[0] = archIDFromName(rf.Name)
		payload[1] = byte(rf.Width)
		binary.LittleEndian.PutUint16(payload[2:4], uint16(count))
		off := 4
		for num := 0; num < count; num++ {
			v, _ := rf.Value(uint32(num))
			switch rf.Width {
			case 4:
				binary.LittleEndian.PutUint32(payload[off:off+4], uint32(v))
			case 8:
				binary.LittleEndian.PutUint64(payload[off:off+8], v)
			}
			off += rf.Width
		}
		if err := writeRecord(w, kindRegisterData, payload); err != nil {
			return err
		}
	}
	return nil
}

func writeRecord(w io.Writer, kind byte, payload []byte) error {
	var header [5]byte
	header[0] = kind
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func archIDFromName(name string) byte {
	switch name {
	case "core":
		return 0x01
	case "fpu":
		return 0x02
	default:
		return 0xff
	}
}
