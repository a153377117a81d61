package fault

import (
	"errors"
	"io"
	"testing"

	"go.trai.ch/zerr"
)

var errSentinel = zerr.New("copy failed")

func TestWrap(t *testing.T) {
	err := Wrap(errSentinel, io.ErrUnexpectedEOF)

	if !errors.Is(err, errSentinel) {
		t.Fatal("wrapped error does not match sentinel")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("wrapped error does not match cause")
	}
	if got, want := err.Error(), "copy failed: unexpected EOF"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(errSentinel, nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(errSentinel, "unknown stage %q", "builder")
	if !errors.Is(err, errSentinel) {
		t.Fatal("Wrapf result does not match sentinel")
	}
	if got, want := err.Error(), `copy failed: unknown stage "builder"`; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	err = Wrapf(errSentinel, "step %d: %w", 2, io.EOF)
	if !errors.Is(err, io.EOF) {
		t.Fatal("Wrapf lost the %w cause")
	}
}

func TestWrapKeepsZerrMetadata(t *testing.T) {
	err := zerr.With(Wrap(errSentinel, io.EOF), "path", "/app/.venv")

	if !errors.Is(err, errSentinel) {
		t.Fatal("metadata wrapper hides the sentinel")
	}

	var z *zerr.Error
	if !errors.As(err, &z) {
		t.Fatalf("expected *zerr.Error, got %T", err)
	}
	if z.Metadata()["path"] != "/app/.venv" {
		t.Fatalf("metadata = %v, want path", z.Metadata())
	}
}
