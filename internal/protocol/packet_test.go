package protocol

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestChecksum_Empty(t *testing.T) {
	if got := Checksum(nil); got != 0xEF {
		t.Errorf("Checksum(nil) = 0x%02X, want 0xEF", got)
	}
}

func TestChecksum_KnownVector(t *testing.T) {
	got := Checksum([]byte{0x01, 0x02, 0x03})
	want := byte(0xEF) ^ 0x01 ^ 0x02 ^ 0x03
	if got != want {
		t.Errorf("Checksum() = 0x%02X, want 0x%02X", got, want)
	}
}

func TestRequest_Encode(t *testing.T) {
	req := NewRequest(CmdSync, SyncData())
	encoded := req.Encode()

	if encoded[0] != DirRequest {
		t.Fatalf("direction byte = 0x%02X, want 0x%02X", encoded[0], DirRequest)
	}
	if encoded[1] != CmdSync {
		t.Fatalf("command byte = 0x%02X, want 0x%02X", encoded[1], CmdSync)
	}
	if len(encoded) != 8+len(SyncData()) {
		t.Fatalf("encoded length = %d, want %d", len(encoded), 8+len(SyncData()))
	}
}

func TestDecodeResponse_RoundTrip(t *testing.T) {
	body := []byte{0x00, 0x00} // status=0, lastError=0
	raw := make([]byte, 0, 10)
	raw = append(raw, DirResponse, CmdReadReg)
	raw = append(raw, 0x02, 0x00) // size=2
	raw = append(raw, 0xAA, 0xBB, 0xCC, 0xDD)
	raw = append(raw, body...)

	resp, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}

	want := &Response{
		Command: CmdReadReg,
		Value:   0xDDCCBBAA,
		Data:    []byte{},
		Status:  0,
		Error:   0,
		valid:   true,
	}
	if diff := cmp.Diff(want, resp, cmp.AllowUnexported(Response{})); diff != "" {
		t.Errorf("DecodeResponse() mismatch (-want +got):\n%s", diff)
	}
	if !resp.OK() {
		t.Fatalf("resp.OK() = false, want true (%s)", resp.ErrorString())
	}
}

func TestDecodeResponse_LongBodyHasNoTrailer(t *testing.T) {
	// A body longer than 2 bytes carries command-specific data only;
	// status/lastError default to zero rather than being sliced off
	// its end.
	body := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}
	raw := make([]byte, 0, 8+len(body))
	raw = append(raw, DirResponse, CmdReadReg)
	raw = append(raw, byte(len(body)), 0x00)
	raw = append(raw, 0, 0, 0, 0)
	raw = append(raw, body...)

	resp, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if !bytes.Equal(resp.Data, body) {
		t.Errorf("Data = %v, want %v (full body, untouched)", resp.Data, body)
	}
	if resp.Status != 0 || resp.Error != 0 {
		t.Errorf("Status=0x%02X Error=0x%02X, want both zero for a >2-byte body", resp.Status, resp.Error)
	}
	if !resp.OK() {
		t.Errorf("resp.OK() = false, want true (no trailer to report failure)")
	}
}

func TestDecodeResponse_TooShort(t *testing.T) {
	if _, err := DecodeResponse([]byte{0x01, 0x02}); err == nil {
		t.Error("DecodeResponse() with short input: want error, got nil")
	}
}

func TestDecodeResponse_WrongDirection(t *testing.T) {
	raw := make([]byte, 10)
	raw[0] = DirRequest
	if _, err := DecodeResponse(raw); err == nil {
		t.Error("DecodeResponse() with request direction: want error, got nil")
	}
}

func TestDecodeResponse_StatusError(t *testing.T) {
	raw := make([]byte, 0, 10)
	raw = append(raw, DirResponse, CmdFlashData)
	raw = append(raw, 0x02, 0x00)
	raw = append(raw, 0, 0, 0, 0)
	raw = append(raw, 0x01, ErrFlashWriteErr)

	resp, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if resp.OK() {
		t.Fatal("resp.OK() = true, want false")
	}
	if !bytes.Contains([]byte(resp.ErrorString()), []byte("flash write error")) {
		t.Errorf("ErrorString() = %q, want it to mention the ROM error", resp.ErrorString())
	}
}

func TestFlashEndData_ExecFlagDistinguishesRebootFromStay(t *testing.T) {
	reboot := FlashEndData(1)
	stay := FlashEndData(0)
	if bytes.Equal(reboot, stay) {
		t.Error("FlashEndData(1) and FlashEndData(0) should differ")
	}
}
