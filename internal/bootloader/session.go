// Package bootloader drives the ESP8266 ROM bootloader's session
// protocol over a transport.Port: resetting the chip into and out of
// the bootloader, synchronizing, and sending the SYNC/READ_REG/
// FLASH_*/MEM_* primitives the rest of the programmer builds on.
package bootloader

import (
	"fmt"
	"io"
	"time"

	"github.com/flashkit/esp8266boot/internal/logging"
	"github.com/flashkit/esp8266boot/internal/protocol"
	"github.com/flashkit/esp8266boot/internal/slip"
)

// port is the slice of transport.Port a Session needs. Defined here,
// rather than depending on the concrete type, so tests can drive a
// Session against an in-memory fake instead of a real serial line.
type port interface {
	Write(data []byte) (int, error)
	Deadline(deadline time.Time) io.Reader
	SetDTR(value bool) error
	SetRTS(value bool) error
}

// State is the session's place in the ESP8266 bootloader state machine.
type State int

const (
	Unsynced State = iota
	Synced
	FlashWriting
	MemWriting
	StubRunning
)

func (s State) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case Synced:
		return "synced"
	case FlashWriting:
		return "flash-writing"
	case MemWriting:
		return "mem-writing"
	case StubRunning:
		return "stub-running"
	default:
		return "unknown"
	}
}

// Session wraps a transport.Port with bootloader protocol state.
type Session struct {
	port  port
	log   logging.Logger
	state State
}

// New wraps p in a Session. A nil logger defaults to a no-op one.
func New(p port, log logging.Logger) *Session {
	if log == nil {
		log = logging.Nop{}
	}
	return &Session{port: p, log: log, state: Unsynced}
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// Port returns the underlying transport, for callers (the read-back
// stub driver, mainly) that need to do their own framing.
func (s *Session) Port() port { return s.port }

// writeCommand frames req with SLIP and writes it to the port.
func (s *Session) writeCommand(req *protocol.Request) error {
	frame := slip.Encode(req.Encode())
	_, err := s.port.Write(frame)
	return err
}

// readResponse reads and decodes a single response frame, waiting up
// to timeout for it to arrive.
func (s *Session) readResponse(timeout time.Duration) (*protocol.Response, error) {
	raw, err := slip.DecodeFrame(s.port.Deadline(time.Now().Add(timeout)))
	if len(raw) == 0 {
		return nil, fmt.Errorf("no response within %s", timeout)
	}
	if err != nil {
		// A frame was accumulated before the read failed; try to decode
		// it anyway - the ROM's own reader tolerates a short final read.
	}
	return protocol.DecodeResponse(raw)
}

// Command sends req and returns its response, without checking OK().
func (s *Session) Command(req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	if err := s.writeCommand(req); err != nil {
		return nil, fmt.Errorf("write command 0x%02x: %w", req.Command, err)
	}
	resp, err := s.readResponse(timeout)
	if err != nil {
		return nil, fmt.Errorf("read response to command 0x%02x: %w", req.Command, err)
	}
	return resp, nil
}

// MustOK sends req and returns an error unless the response reports
// success.
func (s *Session) MustOK(req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	resp, err := s.Command(req, timeout)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return resp, fmt.Errorf("command 0x%02x failed: %s", req.Command, resp.ErrorString())
	}
	return resp, nil
}

// sync sends one SYNC request and drains the 8 duplicate responses the
// ROM is known to send back for it.
func (s *Session) sync() bool {
	req := protocol.NewRequest(protocol.CmdSync, protocol.SyncData())
	if err := s.writeCommand(req); err != nil {
		return false
	}
	for i := 0; i < 8; i++ {
		if _, err := s.readResponse(protocol.SyncTimeout); err != nil {
			return false
		}
	}
	return true
}

// Sync retries the SYNC handshake up to attempts times.
func (s *Session) Sync(attempts int) error {
	for ; attempts > 0; attempts-- {
		if s.sync() {
			s.state = Synced
			return nil
		}
	}
	return fmt.Errorf("sync failed")
}

// RebootIntoBootloader pulses RTS (RESET) and DTR (GPIO0) in the
// sequence esptool.py's wiring convention expects, then retries SYNC
// three times.
func (s *Session) RebootIntoBootloader() error {
	s.port.SetDTR(false)
	s.port.SetRTS(true)
	time.Sleep(50 * time.Millisecond)
	s.port.SetDTR(true)
	s.port.SetRTS(false)
	time.Sleep(50 * time.Millisecond)
	s.port.SetDTR(false)

	if err := s.Sync(3); err != nil {
		return fmt.Errorf("talk to bootloader after reset: %w", err)
	}
	return nil
}

// RebootIntoFirmware releases GPIO0 and pulses RESET, letting the chip
// boot its own firmware instead of staying in the ROM bootloader. This
// is also the workaround path for the DIO flash-mode quirk where
// FLASH_END itself would leave the flash chip read-only (see
// programmer.Programmer's finish logic).
func (s *Session) RebootIntoFirmware() {
	s.port.SetDTR(false) // pull up GPIO0
	s.port.SetRTS(true)  // pull down RESET
	time.Sleep(50 * time.Millisecond)
	s.port.SetRTS(false) // pull up RESET
	s.state = Unsynced
}

// BeginFlash issues a FLASH_BEGIN request and, on success, moves the
// session into FlashWriting - the state FLASH_DATA blocks are expected
// to be sent from.
func (s *Session) BeginFlash(req *protocol.Request) (*protocol.Response, error) {
	resp, err := s.MustOK(req, protocol.FlashBeginTimeout)
	if err == nil {
		s.state = FlashWriting
	}
	return resp, err
}

// WriteFlashData issues a FLASH_DATA request. Callers are expected to
// have already moved the session into FlashWriting via BeginFlash.
func (s *Session) WriteFlashData(req *protocol.Request) (*protocol.Response, error) {
	return s.MustOK(req, protocol.FlashDataTimeout)
}

// EndFlash issues FLASH_END, leaving flashing mode. Either outcome -
// rebooting into firmware or staying in the bootloader - drops the
// session out of FlashWriting, so the session always ends up Unsynced
// here: a fresh SYNC is needed before any further command either way.
func (s *Session) EndFlash(req *protocol.Request) (*protocol.Response, error) {
	resp, err := s.MustOK(req, protocol.FlashEndTimeout)
	s.state = Unsynced
	return resp, err
}

// BeginMem issues a MEM_BEGIN request and, on success, moves the
// session into MemWriting - the state MEM_DATA blocks are expected to
// be sent from.
func (s *Session) BeginMem(req *protocol.Request) (*protocol.Response, error) {
	resp, err := s.MustOK(req, protocol.MemBeginTimeout)
	if err == nil {
		s.state = MemWriting
	}
	return resp, err
}

// WriteMemData issues a MEM_DATA request. Callers are expected to have
// already moved the session into MemWriting via BeginMem.
func (s *Session) WriteMemData(req *protocol.Request) (*protocol.Response, error) {
	return s.MustOK(req, protocol.MemDataTimeout)
}

// EndMem issues MEM_END. When willRun is true the uploaded code is
// about to start executing, so the session moves into StubRunning
// rather than back to Synced - the caller still owns resyncing once
// the stub finishes and reboots the chip.
func (s *Session) EndMem(req *protocol.Request, willRun bool) (*protocol.Response, error) {
	resp, err := s.MustOK(req, protocol.MemEndTimeout)
	if err == nil {
		if willRun {
			s.state = StubRunning
		} else {
			s.state = Synced
		}
	}
	return resp, err
}

// ReadReg issues READ_REG for addr and returns the 4-byte value.
func (s *Session) ReadReg(addr uint32) (uint32, error) {
	req := protocol.NewRequest(protocol.CmdReadReg, protocol.ReadRegData(addr))
	resp, err := s.MustOK(req, protocol.ReadRegTimeout)
	if err != nil {
		return 0, err
	}
	if resp.Command != protocol.CmdReadReg {
		return 0, fmt.Errorf("unexpected response command 0x%02x", resp.Command)
	}
	return resp.Value, nil
}
