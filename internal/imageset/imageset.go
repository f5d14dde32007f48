// Package imageset loads a directory of "0xADDRESS.bin" flash images,
// the same convention esp8266.cc's loader uses, into an address-keyed
// set ready for the programmer to write out in order.
package imageset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Set is an address-keyed collection of flash images.
type Set struct {
	images map[uint32][]byte
}

// New returns an empty Set, ready for Put. Load is the usual way to
// get a populated one; New is for composer tests and synthetic sets
// (e.g. the identity/filesystem blocks composer.Prepare injects).
func New() Set {
	return Set{images: make(map[uint32][]byte)}
}

// Addresses returns the set's flash addresses in ascending order, the
// order esp8266.cc's write loop visits them in.
func (s Set) Addresses() []uint32 {
	addrs := make([]uint32, 0, len(s.images))
	for addr := range s.images {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Image returns the bytes at addr, and whether addr is present.
func (s Set) Image(addr uint32) ([]byte, bool) {
	b, ok := s.images[addr]
	return b, ok
}

// Put replaces (or adds) the image at addr, for composer stages that
// inject a filesystem merge or identity block after loading.
func (s Set) Put(addr uint32, data []byte) {
	s.images[addr] = data
}

// Len reports the number of images in the set.
func (s Set) Len() int { return len(s.images) }

// Load reads every "0x*.bin" file in dir into a Set, keyed by the
// address in its basename. It rejects directories with no matching
// files, basenames that don't parse as hex addresses, and duplicate
// addresses (case-insensitive basenames differing only in letter case
// would otherwise collide silently).
func Load(dir string) (Set, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "0x*.bin"))
	if err != nil {
		return Set{}, fmt.Errorf("glob %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return Set{}, fmt.Errorf("no files to flash in %s", dir)
	}

	set := Set{images: make(map[uint32][]byte, len(matches))}
	seen := make(map[uint32]string, len(matches))

	for _, path := range matches {
		base := strings.TrimSuffix(filepath.Base(path), ".bin")
		addr64, err := strconv.ParseUint(strings.TrimPrefix(base, "0x"), 16, 32)
		if err != nil {
			return Set{}, fmt.Errorf("%s is not a valid address: %w", filepath.Base(path), err)
		}
		addr := uint32(addr64)

		if prev, dup := seen[addr]; dup {
			return Set{}, fmt.Errorf("duplicate address 0x%x: %s and %s", addr, prev, filepath.Base(path))
		}
		seen[addr] = filepath.Base(path)

		data, err := os.ReadFile(path)
		if err != nil {
			return Set{}, fmt.Errorf("read %s: %w", path, err)
		}
		set.images[addr] = data
	}

	return set, nil
}
