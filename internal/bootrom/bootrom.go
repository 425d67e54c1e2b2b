// Package bootrom loads firmware into a machine's guest RAM before the
// first reset: the same "assemble (or load) a default image and place it
// in memory" shape as the teacher's internal/monitor, generalized from
// hand-assembled LC-3 trap code to ELF or raw RISC-V firmware images.
package bootrom

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"

	"github.com/smoynes/rve/internal/hart"
	"github.com/smoynes/rve/internal/machine"
)

var ErrNoLoadSegments = errors.New("bootrom: ELF file has no loadable segments")

// Image is a firmware payload ready to install into a machine: the bytes
// to write, and the guest-physical offset (relative to the RAM region's
// base) to write them at.
type Image struct {
	Data   []byte
	Offset uint64
}

// LoadELF reads an ELF file — the usual shape for an S-mode payload
// (OpenSBI, a Linux kernel, a bare-metal test image) — and returns one
// Image spanning every PT_LOAD segment, from the lowest to the highest
// physical address, with gaps between segments zero-filled. It also
// returns the entry point, for a caller that wants to set a hart's reset
// vector to something other than the image's base.
//
// Per-segment permissions are not preserved; the substrate has no W^X
// enforcement to apply them to, and a single flat image is simpler for
// internal/machine.LoadImage to install.
func LoadELF(path string, ramBase uint64) (Image, uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return Image{}, 0, fmt.Errorf("bootrom: open %s: %w", path, err)
	}
	defer f.Close()

	var (
		lo   = ^uint64(0)
		hi   uint64
		have bool
	)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		have = true

		if prog.Paddr < lo {
			lo = prog.Paddr
		}

		if end := prog.Paddr + prog.Memsz; end > hi {
			hi = end
		}
	}

	if !have {
		return Image{}, 0, ErrNoLoadSegments
	}

	data := make([]byte, hi-lo)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}

		buf := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(buf, 0); err != nil {
			return Image{}, 0, fmt.Errorf("bootrom: read segment at %#x: %w", prog.Paddr, err)
		}

		copy(data[prog.Paddr-lo:], buf)
	}

	if lo < ramBase {
		return Image{}, 0, fmt.Errorf("bootrom: segment at %#x precedes ram base %#x", lo, ramBase)
	}

	return Image{Data: data, Offset: lo - ramBase}, f.Entry, nil
}

// LoadRaw reads a flat binary firmware image from path, to be installed
// at the given guest-physical offset from RAM base.
func LoadRaw(path string, offset uint64) (Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, fmt.Errorf("bootrom: read %s: %w", path, err)
	}

	return Image{Data: data, Offset: offset}, nil
}

// LoadDTB reads a device-tree blob from path unmodified. bootrom does no
// DTB parsing or generation of its own, only pass-through loading of a
// guest-supplied blob.
func LoadDTB(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootrom: read dtb %s: %w", path, err)
	}

	return data, nil
}

// Default returns the substrate's built-in fallback firmware: a tiny
// RV64I loop that parks in WFI, used when no kernel image is given so a
// machine always has something to reset into.
func Default() Image {
	return Image{
		Data: wordsToBytes(
			hart.WFI(),
			hart.JAL(0, -4), // loop back to the WFI above
		),
		Offset: 0,
	}
}

// Install copies img into m's guest RAM via Machine.LoadImage, the single
// entry point internal/machine exposes for placing firmware before the
// first start (and what a guest-triggered reset(true) replays).
func Install(m *machine.Machine, img Image) error {
	return m.LoadImage(img.Data, img.Offset)
}

func wordsToBytes(words ...uint32) []byte {
	buf := make([]byte, len(words)*4)

	for i, w := range words {
		buf[i*4+0] = byte(w)
		buf[i*4+1] = byte(w >> 8)
		buf[i*4+2] = byte(w >> 16)
		buf[i*4+3] = byte(w >> 24)
	}

	return buf
}
