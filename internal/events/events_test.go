package events

import "testing"

func TestStream_NilIsSafe(t *testing.T) {
	var s Stream
	s.Statusf("should not panic")
	s.Progressf(1, 10)
	s.Donef(nil)
}

func TestStream_StatusfFormats(t *testing.T) {
	s := NewStream()
	s.Statusf("erasing %s at 0x%x", "flash", 0x1000)
	ev := <-s
	if ev.Kind != StatusMessage {
		t.Fatalf("Kind = %v, want StatusMessage", ev.Kind)
	}
	if want := "erasing flash at 0x1000"; ev.Message != want {
		t.Errorf("Message = %q, want %q", ev.Message, want)
	}
}

func TestStream_Progressf(t *testing.T) {
	s := NewStream()
	s.Progressf(3, 10)
	ev := <-s
	if ev.Kind != Progress || ev.Written != 3 || ev.Total != 10 {
		t.Errorf("got %+v, want Progress{Written:3,Total:10}", ev)
	}
}

func TestStream_DonefClosesChannel(t *testing.T) {
	s := NewStream()
	s.Donef(nil)

	ev, ok := <-s
	if !ok {
		t.Fatal("channel closed before Done event could be read")
	}
	if ev.Kind != Done || ev.Err != nil {
		t.Errorf("got %+v, want Done{Err:nil}", ev)
	}

	if _, ok := <-s; ok {
		t.Error("stream not closed after Donef")
	}
}

func TestStream_DonefCarriesError(t *testing.T) {
	s := NewStream()
	boom := errBoom{}
	s.Donef(boom)
	ev := <-s
	if ev.Err != boom {
		t.Errorf("Err = %v, want %v", ev.Err, boom)
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
