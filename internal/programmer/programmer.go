// Package programmer drives the ascending-address flash write loop:
// per-image FLASH_BEGIN/FLASH_DATA, retry-with-reboot on failure, the
// erase-length fixup the ROM's own SPIEraseArea needs, and the
// DIO-mode-vs-FLASH_END finish branch. Generalized from esp8266.cc's
// FlasherImpl::run (the write loop and what follows it).
package programmer

import (
	"fmt"
	"sync"

	"github.com/flashkit/esp8266boot/internal/bootloader"
	"github.com/flashkit/esp8266boot/internal/events"
	"github.com/flashkit/esp8266boot/internal/imageset"
	"github.com/flashkit/esp8266boot/internal/logging"
	"github.com/flashkit/esp8266boot/internal/protocol"
)

// writeAttempts is how many times a single image is tried before the
// whole run gives up on it - the initial attempt plus 2 more,
// matching esp8266.cc's "attempts := 2; attempts >= 0; attempts--".
const writeAttempts = 3

// Options controls the write loop's erase and finish behavior.
type Options struct {
	// EraseBugWorkaround applies fixupEraseLength to every FLASH_BEGIN
	// and tolerates a failed FLASH_END, working around the ROM's
	// SPIEraseArea double-erasing sectors at block boundaries. On by
	// default; esptool.py carries the same workaround unconditionally.
	EraseBugWorkaround bool
}

// DefaultOptions returns the workaround-enabled defaults.
func DefaultOptions() Options {
	return Options{EraseBugWorkaround: true}
}

// Programmer owns the serial session and write state for one flashing
// run. A single sync.Mutex covers its session handle and write
// counter, mirroring esp8266.cc's QMutexLocker lock_ - there is no
// concurrent flashing, just one linear run at a time.
type Programmer struct {
	mu      sync.Mutex
	sess    *bootloader.Session
	written int
	log     logging.Logger
}

// New returns a Programmer driving sess. A nil logger defaults to a
// no-op one.
func New(sess *bootloader.Session, log logging.Logger) *Programmer {
	if log == nil {
		log = logging.Nop{}
	}
	return &Programmer{sess: sess, log: log}
}

// SetSession swaps the underlying session, for callers that reconnect
// between runs.
func (p *Programmer) SetSession(sess *bootloader.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sess = sess
}

// TotalBlocks returns the number of FLASH_DATA blocks writing set in
// full would take, for sizing a progress bar up front.
func TotalBlocks(set imageset.Set) int {
	total := 0
	for _, addr := range set.Addresses() {
		data, _ := set.Image(addr)
		total += int(protocol.BlocksFor(len(data)))
	}
	return total
}

// Program writes every image in set to flash in ascending address
// order, then leaves flashing mode (or works around the DIO read-only
// quirk by rebooting straight into firmware). Progress and status are
// reported on out, which may be nil.
func (p *Programmer) Program(set imageset.Set, opts Options, out events.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := TotalBlocks(set)
	p.written = 0

	for _, addr := range set.Addresses() {
		data, _ := set.Image(addr)
		if err := p.writeImageWithRetry(addr, data, opts, total, out); err != nil {
			out.Donef(err)
			return err
		}
	}

	if err := p.finish(set, opts); err != nil {
		out.Donef(err)
		return err
	}
	out.Donef(nil)
	return nil
}

func (p *Programmer) writeImageWithRetry(addr uint32, data []byte, opts Options, total int, out events.Stream) error {
	writtenBeforeImage := p.written
	var lastErr error

	for attempts := writeAttempts - 1; attempts >= 0; attempts-- {
		if err := p.writeImage(addr, data, opts, total, out); err == nil {
			return nil
		} else {
			lastErr = err
			p.log.Error("write image failed", "addr", fmt.Sprintf("0x%x", addr), "attemptsLeft", attempts, "err", err)
			p.written = writtenBeforeImage
			out.Progressf(p.written, total)
			if attempts == 0 {
				break
			}
			if err := p.sess.RebootIntoBootloader(); err != nil {
				lastErr = fmt.Errorf("reboot for retry: %w", err)
				break
			}
		}
	}
	return fmt.Errorf("flash image at 0x%x: %w", addr, lastErr)
}

func (p *Programmer) writeImage(addr uint32, data []byte, opts Options, total int, out events.Stream) error {
	blocks := protocol.BlocksFor(len(data))

	out.Statusf("erasing flash at 0x%x...", addr)
	if err := p.beginFlash(addr, blocks, opts); err != nil {
		return fmt.Errorf("flash begin: %w", err)
	}

	for seq := uint32(0); seq < blocks; seq++ {
		start := seq * protocol.FlashWriteBlockSize
		end := start + protocol.FlashWriteBlockSize
		if end > uint32(len(data)) {
			end = uint32(len(data))
		}
		block := padBlock(data[start:end])

		out.Statusf("writing block %d@0x%x...", seq, addr)
		if err := p.writeBlock(block, seq); err != nil {
			return fmt.Errorf("flash data block %d: %w", seq, err)
		}
		p.written++
		out.Progressf(p.written, total)
	}
	return nil
}

// beginFlash issues FLASH_BEGIN for blocks worth of data starting at
// addr, applying the erase-length fixup unless disabled.
func (p *Programmer) beginFlash(addr, blocks uint32, opts Options) error {
	rawLen := blocks * protocol.FlashWriteBlockSize
	eraseSize := rawLen
	if opts.EraseBugWorkaround {
		eraseSize = fixupEraseLength(addr, rawLen)
	}

	req := protocol.NewRequest(protocol.CmdFlashBegin,
		protocol.FlashBeginData(eraseSize, blocks, protocol.FlashWriteBlockSize, addr))
	_, err := p.sess.BeginFlash(req)
	return err
}

// writeBlock issues one FLASH_DATA command. Its checksum covers only
// block, not the length/sequence header FlashDataData prepends.
func (p *Programmer) writeBlock(block []byte, seq uint32) error {
	req := &protocol.Request{
		Command:  protocol.CmdFlashData,
		Data:     protocol.FlashDataData(block, seq),
		Checksum: uint32(protocol.Checksum(block)),
	}
	_, err := p.sess.WriteFlashData(req)
	return err
}

// padBlock pads block to FlashWriteBlockSize with 0xFF, the erased-flash
// value, so a short final block doesn't leave stale bytes behind it.
func padBlock(block []byte) []byte {
	if uint32(len(block)) >= protocol.FlashWriteBlockSize {
		return block
	}
	padded := make([]byte, protocol.FlashWriteBlockSize)
	copy(padded, block)
	for i := len(block); i < len(padded); i++ {
		padded[i] = 0xFF
	}
	return padded
}

// finish leaves flashing mode: FLASH_END with the reboot-into-firmware
// exec flag, unless the final flash-parameter word selects DIO mode,
// in which case FLASH_END itself would switch the flash chip
// read-only, so a GPIO0/RESET reboot is used instead.
func (p *Programmer) finish(set imageset.Set, opts Options) error {
	if boot, ok := set.Image(0); ok {
		if params, ok := protocol.FlashParamsOf(boot); ok && params.IsDIO() {
			p.sess.RebootIntoFirmware()
			return nil
		}
	}

	req := protocol.NewRequest(protocol.CmdFlashEnd, protocol.FlashEndData(1))
	if _, err := p.sess.EndFlash(req); err != nil {
		if opts.EraseBugWorkaround {
			// esptool.py ignores this failure too under the same
			// workaround; the chip has already rebooted by the time the
			// ROM would otherwise report it.
			return nil
		}
		return fmt.Errorf("leave flashing mode: %w", err)
	}
	return nil
}

// fixupEraseLength offsets for a bug in the ROM's SPIEraseArea: erasing
// a range starting or ending mid-block erases that block's boundary
// sectors twice. Ported byte-for-byte (well, word-for-word) from
// esp8266.cc's fixupEraseLength.
func fixupEraseLength(start, length uint32) uint32 {
	const sectorSize = protocol.FlashSectorSize
	const sectorsPerBlock = protocol.SectorsPerBlock

	startSector := start / sectorSize
	tail := sectorsPerBlock - startSector%sectorsPerBlock

	sectors := length / sectorSize
	if length%sectorSize != 0 {
		sectors++
	}

	if sectors <= 2*tail {
		return (sectors/2 + sectors%2) * sectorSize
	}
	return length - tail*sectorSize
}
