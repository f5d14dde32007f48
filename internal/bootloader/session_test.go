package bootloader

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/flashkit/esp8266boot/internal/protocol"
	"github.com/flashkit/esp8266boot/internal/slip"
)

// fakePort is an in-memory stand-in for transport.Port: it decodes
// whatever SLIP frame Write sends, and queues a scripted response for
// the command byte it finds, to be handed back by subsequent Deadline
// reads.
type fakePort struct {
	rx        bytes.Buffer
	responses map[byte][][]byte // command -> queued response payloads (raw, pre-SLIP)
	dtr, rts  []bool
}

func newFakePort() *fakePort {
	return &fakePort{responses: make(map[byte][][]byte)}
}

// queueResponse appends one scripted response for cmd with status/lastError=ok.
func (f *fakePort) queueResponse(cmd byte, value uint32, body []byte) {
	raw := make([]byte, 0, 10+len(body))
	raw = append(raw, protocol.DirResponse, cmd)
	raw = append(raw, byte(len(body)), byte(len(body)>>8))
	v := make([]byte, 4)
	binary.LittleEndian.PutUint32(v, value)
	raw = append(raw, v...)
	raw = append(raw, body...)
	f.rx.Write(slip.Encode(raw))
}

func (f *fakePort) Write(data []byte) (int, error) {
	decoded := slip.Decode(data)
	if len(decoded) >= 2 {
		cmd := decoded[1]
		switch cmd {
		case protocol.CmdSync:
			for i := 0; i < 8; i++ {
				f.queueResponse(protocol.CmdSync, 0, []byte{0x00, 0x00})
			}
		case protocol.CmdReadReg:
			f.queueResponse(protocol.CmdReadReg, 0x12345678, []byte{0x00, 0x00})
		case protocol.CmdFlashBegin:
			f.queueResponse(protocol.CmdFlashBegin, 0, []byte{0x00, 0x00})
		case protocol.CmdFlashData:
			f.queueResponse(protocol.CmdFlashData, 0, []byte{0x00, 0x00})
		case protocol.CmdFlashEnd:
			f.queueResponse(protocol.CmdFlashEnd, 0, []byte{0x00, 0x00})
		case protocol.CmdMemBegin:
			f.queueResponse(protocol.CmdMemBegin, 0, []byte{0x00, 0x00})
		case protocol.CmdMemData:
			f.queueResponse(protocol.CmdMemData, 0, []byte{0x00, 0x00})
		case protocol.CmdMemEnd:
			f.queueResponse(protocol.CmdMemEnd, 0, []byte{0x00, 0x00})
		}
	}
	return len(data), nil
}

func (f *fakePort) Deadline(time.Time) io.Reader { return &f.rx }
func (f *fakePort) SetDTR(v bool) error          { f.dtr = append(f.dtr, v); return nil }
func (f *fakePort) SetRTS(v bool) error          { f.rts = append(f.rts, v); return nil }

func TestSession_Sync(t *testing.T) {
	p := newFakePort()
	s := New(p, nil)

	if err := s.Sync(3); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if s.State() != Synced {
		t.Errorf("State() = %v, want %v", s.State(), Synced)
	}
}

func TestSession_ReadReg(t *testing.T) {
	p := newFakePort()
	s := New(p, nil)

	v, err := s.ReadReg(0x3ff00050)
	if err != nil {
		t.Fatalf("ReadReg() error = %v", err)
	}
	if v != 0x12345678 {
		t.Errorf("ReadReg() = 0x%08x, want 0x12345678", v)
	}
}

// macPort scripts specific register values for ProbeMAC.
type macPort struct {
	*fakePort
	mac1, mac2 uint32
}

func (f *macPort) Write(data []byte) (int, error) {
	decoded := slip.Decode(data)
	if len(decoded) >= 12 && decoded[1] == protocol.CmdReadReg {
		addr := binary.LittleEndian.Uint32(decoded[8:12])
		switch addr {
		case regMAC1:
			f.queueResponse(protocol.CmdReadReg, f.mac1, []byte{0x00, 0x00})
		case regMAC2:
			f.queueResponse(protocol.CmdReadReg, f.mac2, []byte{0x00, 0x00})
		}
		return len(data), nil
	}
	return f.fakePort.Write(data)
}

func TestSession_ProbeMAC(t *testing.T) {
	// mac2's third byte (bits 16-23) == 0 selects the 18:FE:34 OUI.
	p := &macPort{fakePort: newFakePort(), mac1: 0xAABBCCDD, mac2: 0x00002233}
	s := New(p, nil)

	mac, err := s.ProbeMAC()
	if err != nil {
		t.Fatalf("ProbeMAC() error = %v", err)
	}
	want := [6]byte{0x18, 0xFE, 0x34, 0x22, 0x33, 0xAA}
	if mac != want {
		t.Errorf("ProbeMAC() = %s, want %s", FormatMAC(mac), FormatMAC(want))
	}
}

func TestSession_ProbeMAC_UnknownOUI(t *testing.T) {
	p := &macPort{fakePort: newFakePort(), mac1: 0, mac2: 0x00020000}
	s := New(p, nil)

	if _, err := s.ProbeMAC(); err == nil {
		t.Error("ProbeMAC() with unrecognized OUI selector: want error, got nil")
	}
}

func TestSession_BeginFlash_EntersFlashWriting(t *testing.T) {
	p := newFakePort()
	s := New(p, nil)
	s.state = Synced

	req := protocol.NewRequest(protocol.CmdFlashBegin, protocol.FlashBeginData(0, 0, protocol.FlashWriteBlockSize, 0))
	if _, err := s.BeginFlash(req); err != nil {
		t.Fatalf("BeginFlash() error = %v", err)
	}
	if s.State() != FlashWriting {
		t.Errorf("State() = %v, want %v", s.State(), FlashWriting)
	}
}

func TestSession_EndFlash_LeavesFlashWritingUnsynced(t *testing.T) {
	p := newFakePort()
	s := New(p, nil)
	s.state = FlashWriting

	req := protocol.NewRequest(protocol.CmdFlashEnd, protocol.FlashEndData(1))
	if _, err := s.EndFlash(req); err != nil {
		t.Fatalf("EndFlash() error = %v", err)
	}
	if s.State() != Unsynced {
		t.Errorf("State() = %v, want %v", s.State(), Unsynced)
	}
}

func TestSession_BeginMem_EntersMemWriting(t *testing.T) {
	p := newFakePort()
	s := New(p, nil)
	s.state = Synced

	req := protocol.NewRequest(protocol.CmdMemBegin, protocol.MemBeginData(16, 1, 16, 0x40100000))
	if _, err := s.BeginMem(req); err != nil {
		t.Fatalf("BeginMem() error = %v", err)
	}
	if s.State() != MemWriting {
		t.Errorf("State() = %v, want %v", s.State(), MemWriting)
	}
}

func TestSession_EndMem_RunningEntersStubRunning(t *testing.T) {
	p := newFakePort()
	s := New(p, nil)
	s.state = MemWriting

	req := protocol.NewRequest(protocol.CmdMemEnd, protocol.MemEndData(0, 0x4010001C))
	if _, err := s.EndMem(req, true); err != nil {
		t.Fatalf("EndMem() error = %v", err)
	}
	if s.State() != StubRunning {
		t.Errorf("State() = %v, want %v", s.State(), StubRunning)
	}
}

func TestSession_EndMem_NotRunningReturnsSynced(t *testing.T) {
	p := newFakePort()
	s := New(p, nil)
	s.state = MemWriting

	req := protocol.NewRequest(protocol.CmdMemEnd, protocol.MemEndData(1, 0x4010001C))
	if _, err := s.EndMem(req, false); err != nil {
		t.Fatalf("EndMem() error = %v", err)
	}
	if s.State() != Synced {
		t.Errorf("State() = %v, want %v", s.State(), Synced)
	}
}
