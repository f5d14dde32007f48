// Package identity builds and verifies the device identity block the
// flasher provisions at flash offset 0x10000 when none is already
// present: a random device ID and pre-shared key, wrapped in a
// self-describing, tamper-checkable block.
package identity

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Offset and Size are the flash location and footprint of the
// identity block, matching the spare sector esptool.py's layout
// leaves between the bootloader and the application image.
const (
	Offset = 0x10000
	Size   = 4096

	sha1Length = 20
)

// doc is the JSON payload embedded in an identity block.
type doc struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// Generate builds a fresh identity block for hostname: a random
// device ID and PSK, SHA-1 hashed and packed into a 4096-byte block
// the bootloader's spare sector can hold as-is.
//
// Block layout: 20-byte SHA-1 hash of the JSON payload that follows
// it, the payload itself, a single 0x00 terminator, then 0xFF padding
// out to Size.
func Generate(hostname string) ([]byte, error) {
	random := make([]byte, 12)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("generate identity randomness: %w", err)
	}

	enc := base64.RawURLEncoding
	d := doc{
		ID:  fmt.Sprintf("//%s/d/%s", hostname, enc.EncodeToString(random[:5])),
		Key: enc.EncodeToString(random[5:]),
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal identity payload: %w", err)
	}

	hash := sha1.Sum(payload)

	block := make([]byte, 0, Size)
	block = append(block, hash[:]...)
	block = append(block, payload...)
	block = append(block, 0x00)
	if len(block) > Size {
		return nil, fmt.Errorf("identity payload too large: %d bytes over budget", len(block)-Size)
	}
	for len(block) < Size {
		block = append(block, 0xFF)
	}
	return block, nil
}

// Verify reports whether block already holds a valid identity: its
// leading SHA-1 hash matches the payload between the hash and the
// first 0x00 terminator after it.
func Verify(block []byte) bool {
	if len(block) < sha1Length+1 {
		return false
	}
	want := block[:sha1Length]

	terminator := -1
	for i := sha1Length; i < len(block); i++ {
		if block[i] == 0x00 {
			terminator = i
			break
		}
	}
	if terminator < 0 {
		return false
	}

	payload := block[sha1Length:terminator]
	got := sha1.Sum(payload)
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}
