package runtime

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestStdinStreamDrained(t *testing.T) {
	s := newStdinStream(strings.NewReader("layer data"))

	select {
	case <-s.drained():
		t.Fatal("drained before any read")
	default:
	}

	data, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "layer data" {
		t.Fatalf("data = %q", data)
	}

	select {
	case <-s.drained():
	default:
		t.Fatal("not drained after EOF")
	}
	if s.err != nil {
		t.Fatalf("err = %v, want nil", s.err)
	}
	if got := s.n.Load(); got != int64(len("layer data")) {
		t.Fatalf("n = %d, want %d", got, len("layer data"))
	}

	// Repeated EOFs do not close the channel twice.
	if _, err := s.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("second read err = %v, want EOF", err)
	}
}

func TestStdinStreamError(t *testing.T) {
	boom := errors.New("pipe broken")
	s := newStdinStream(iotest.ErrReader(boom))

	if _, err := s.Read(make([]byte, 8)); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	<-s.drained()
	if !errors.Is(s.err, boom) {
		t.Fatalf("recorded err = %v, want %v", s.err, boom)
	}
}
