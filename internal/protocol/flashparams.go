package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// FlashParams is the 16-bit flash-parameter word the ESP8266 SDK reads
// out of bytes 2-3 of a boot image: mode in the high byte, size and
// frequency packed into the low byte as two nibbles.
type FlashParams uint16

// Mode extracts the flash mode (qio/qout/dio/dout) from the high byte.
func (p FlashParams) Mode() int { return int(p>>8) & 0xff }

// Size extracts the flash size nibble.
func (p FlashParams) Size() int { return int(p>>4) & 0xf }

// Freq extracts the flash frequency nibble.
func (p FlashParams) Freq() int { return int(p) & 0xf }

// IsDIO reports whether the mode byte selects DIO. The ROM's FLASH_END
// has a known quirk switching the flash chip to read-only when left in
// DIO mode, so the programmer treats this mode specially at the end of
// a run (see Programmer's finish logic).
func (p FlashParams) IsDIO() bool { return p.Mode() == flashModeByName["dio"] }

var flashModeByName = map[string]int{"qio": 0, "qout": 1, "dio": 2, "dout": 3}
var flashModeByValue = map[int]string{0: "qio", 1: "qout", 2: "dio", 3: "dout"}

var flashSizeByName = map[string]int{
	"4m": 0, "2m": 1, "8m": 2, "16m": 3, "32m": 4,
	"16m-c1": 5, "32m-c1": 6, "32m-c2": 7,
}
var flashSizeByValue = map[int]string{
	0: "4m", 1: "2m", 2: "8m", 3: "16m", 4: "32m",
	5: "16m-c1", 6: "32m-c1", 7: "32m-c2",
}

var flashFreqByName = map[string]int{"40m": 0, "26m": 1, "20m": 2, "80m": 0xf}
var flashFreqByValue = map[int]string{0: "40m", 1: "26m", 2: "20m", 0xf: "80m"}

// ParseFlashParams accepts either a bare number (any base strconv
// understands, matching the ROM's own permissive parsing) or a
// "mode,size,freq" triple, e.g. "dio,4m,40m".
func ParseFlashParams(s string) (FlashParams, error) {
	parts := strings.Split(s, ",")
	switch len(parts) {
	case 1:
		n, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 0, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid number: %w", err)
		}
		return FlashParams(uint16(n)), nil
	case 3:
		mode, ok := flashModeByName[strings.TrimSpace(parts[0])]
		if !ok {
			return 0, fmt.Errorf("invalid flash mode %q", parts[0])
		}
		size, ok := flashSizeByName[strings.TrimSpace(parts[1])]
		if !ok {
			return 0, fmt.Errorf("invalid flash size %q", parts[1])
		}
		freq, ok := flashFreqByName[strings.TrimSpace(parts[2])]
		if !ok {
			return 0, fmt.Errorf("invalid flash frequency %q", parts[2])
		}
		return FlashParams(mode<<8 | size<<4 | freq), nil
	default:
		return 0, fmt.Errorf("must be either a number or a comma-separated mode,size,freq triple")
	}
}

// FormatFlashParams renders p back as a "mode,size,freq" string when
// all three fields have a known name, falling back to a bare hex
// number otherwise (e.g. params loaded verbatim from an existing image
// whose nibbles don't match any named combination).
func FormatFlashParams(p FlashParams) string {
	mode, modeOK := flashModeByValue[p.Mode()]
	size, sizeOK := flashSizeByValue[p.Size()]
	freq, freqOK := flashFreqByValue[p.Freq()]
	if modeOK && sizeOK && freqOK {
		return fmt.Sprintf("%s,%s,%s", mode, size, freq)
	}
	return fmt.Sprintf("0x%04x", uint16(p))
}

// ApplyTo writes p into the flash-parameter bytes (offset 2-3) of a
// boot image, in place. Callers are expected to have already checked
// that img[0] == 0xE9 (the boot image magic byte).
func (p FlashParams) ApplyTo(img []byte) {
	img[2] = byte(p >> 8)
	img[3] = byte(p)
}

// BootMagic is the first byte of a valid ESP8266 boot image.
const BootMagic = 0xE9

// FlashParamsOf extracts the flash-parameter word embedded in a boot
// image, if it has the 0xE9 magic byte and is long enough to carry one.
func FlashParamsOf(img []byte) (FlashParams, bool) {
	if len(img) < 4 || img[0] != BootMagic {
		return 0, false
	}
	return FlashParams(uint16(img[2])<<8 | uint16(img[3])), true
}
