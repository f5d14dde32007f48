// Package fsimage stands in for a real SPIFFS codec. The flasher only
// ever needs to read a device's filesystem image, overlay a bundled
// update onto it while preserving files the device already has, and
// write the result back - so this package defines exactly that
// narrow interface, backed by a minimal, self-consistent record
// format rather than the real SPIFFS on-flash layout.
//
// A production build would replace this package with a real SPIFFS
// library; nothing outside fsimage depends on its record format.
package fsimage

import (
	"encoding/binary"
	"fmt"
)

// Image is an in-memory filesystem image: a flat table of named
// files, encoded as [u32 name length][name][u32 data length][data]
// records back to back, terminated by a zero-length name.
type Image struct {
	files map[string][]byte
	order []string
	size  int
}

// Parse decodes a raw image as produced by Bytes. A block of all
// 0xFF bytes (erased flash) parses as an empty image rather than an
// error, since that is what a never-written device returns.
func Parse(raw []byte) (*Image, error) {
	img := &Image{files: make(map[string][]byte), size: len(raw)}

	if isErased(raw) {
		return img, nil
	}

	pos := 0
	for {
		if pos+4 > len(raw) {
			return nil, fmt.Errorf("fsimage: truncated record at offset %d", pos)
		}
		nameLen := binary.LittleEndian.Uint32(raw[pos : pos+4])
		pos += 4
		if nameLen == 0 {
			break
		}
		if pos+int(nameLen) > len(raw) {
			return nil, fmt.Errorf("fsimage: truncated name at offset %d", pos)
		}
		name := string(raw[pos : pos+int(nameLen)])
		pos += int(nameLen)

		if pos+4 > len(raw) {
			return nil, fmt.Errorf("fsimage: truncated record at offset %d", pos)
		}
		dataLen := binary.LittleEndian.Uint32(raw[pos : pos+4])
		pos += 4
		if pos+int(dataLen) > len(raw) {
			return nil, fmt.Errorf("fsimage: truncated data at offset %d", pos)
		}
		data := make([]byte, dataLen)
		copy(data, raw[pos:pos+int(dataLen)])
		pos += int(dataLen)

		img.put(name, data)
	}
	return img, nil
}

func isErased(raw []byte) bool {
	for _, b := range raw {
		if b != 0xFF {
			return false
		}
	}
	return true
}

func (img *Image) put(name string, data []byte) {
	if _, exists := img.files[name]; !exists {
		img.order = append(img.order, name)
	}
	img.files[name] = data
}

// Merge overlays bundled's files onto img, in place: files bundled
// provides replace img's copy, files only img has are left untouched.
// This is the same one-directional update esp8266.cc's mergeFlashLocked
// describes: the on-device filesystem is authoritative except for the
// handful of core files the update bundles.
func (img *Image) Merge(bundled *Image) error {
	for _, name := range bundled.order {
		img.put(name, bundled.files[name])
	}
	return nil
}

// Bytes serializes img back to its on-flash record format, padded
// with 0xFF out to the size of the raw image it was Parsed from. It
// returns an error if the merged file table no longer fits that block,
// which callers should treat as a normal, reportable failure rather
// than a bug - a bundled update plus the device's existing files are
// under no guarantee of fitting in the block they came from.
func (img *Image) Bytes() ([]byte, error) {
	out := make([]byte, 0, img.size)
	for _, name := range img.order {
		data := img.files[name]
		nameLen := make([]byte, 4)
		binary.LittleEndian.PutUint32(nameLen, uint32(len(name)))
		dataLen := make([]byte, 4)
		binary.LittleEndian.PutUint32(dataLen, uint32(len(data)))
		out = append(out, nameLen...)
		out = append(out, []byte(name)...)
		out = append(out, dataLen...)
		out = append(out, data...)
	}
	out = append(out, 0, 0, 0, 0) // zero-length name terminator

	if len(out) > img.size {
		return nil, fmt.Errorf("fsimage: merged image is %d bytes, exceeds %d-byte block", len(out), img.size)
	}
	for len(out) < img.size {
		out = append(out, 0xFF)
	}
	return out, nil
}
