package internal

import (
	"log/slog"
	"testing"
)

func TestLogLevel(t *testing.T) {
	defer func(q, d bool) {
		SetQuiet(q)
		SetDebug(d)
	}(IsQuiet(), IsDebug())

	tests := []struct {
		name  string
		quiet bool
		debug bool
		want  slog.Level
	}{
		{name: "default", want: slog.LevelInfo},
		{name: "quiet", quiet: true, want: slog.LevelWarn},
		{name: "debug", debug: true, want: slog.LevelDebug},
		{name: "debug wins over quiet", quiet: true, debug: true, want: slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetQuiet(tt.quiet)
			SetDebug(tt.debug)
			if got := LogLevel(); got != tt.want {
				t.Fatalf("LogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVersionStringLocal(t *testing.T) {
	defer func(v, s, c string) { version, stage, gitCommit = v, s, c }(version, stage, gitCommit)

	version, stage, gitCommit = "1.2.3", "", "abc"
	if got := VersionString(); got != defaultLocalBuild {
		t.Fatalf("VersionString() = %q, want %q", got, defaultLocalBuild)
	}
}

func TestVersionString(t *testing.T) {
	defer func(v, s, c string) { version, stage, gitCommit = v, s, c }(version, stage, gitCommit)

	version, stage, gitCommit = "V1.2.3", "main", "abc123"
	got := VersionString()
	if got[:len("1.2.3 abc123 [")] != "1.2.3 abc123 [" {
		t.Fatalf("VersionString() = %q, want main build without stage suffix", got)
	}

	stage = "staging"
	got = VersionString()
	if got[:len("1.2.3+staging abc123")] != "1.2.3+staging abc123" {
		t.Fatalf("VersionString() = %q, want stage suffix", got)
	}
}
