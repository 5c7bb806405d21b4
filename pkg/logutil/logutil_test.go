package logutil

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]log.Level{
		"":      log.InfoLevel,
		"trace": log.DebugLevel,
		"DEBUG": log.DebugLevel,
		"warn":  log.WarnLevel,
		"error": log.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLineLevel(t *testing.T) {
	cases := map[string]log.Level{
		"2026-01-02 15:04:05 DEBU http request path=/v1/models\n": log.DebugLevel,
		"WARN credential acquisition failed provider=qwen\n":      log.WarnLevel,
		"\x1b[1;31mERRO\x1b[0m boom\n":                            log.ErrorLevel,
		"time=now level=error msg=x\n":                            log.ErrorLevel,
		"plain line\n":                                            log.InfoLevel,
	}
	for line, want := range cases {
		if got := lineLevel([]byte(line)); got != want {
			t.Fatalf("lineLevel(%q) = %v, want %v", line, got, want)
		}
	}
}

func TestFilterWriterTeesEverything(t *testing.T) {
	var out, tee bytes.Buffer
	w := &levelFilterWriter{out: &out, tee: &tee, minLevel: log.WarnLevel}
	_, _ = w.Write([]byte("DEBU hidden\nWARN shown\nINFO par"))
	_, _ = w.Write([]byte("tial\n"))
	if out.String() != "WARN shown\n" {
		t.Fatalf("unexpected filtered output %q", out.String())
	}
	if tee.String() != "DEBU hidden\nWARN shown\nINFO partial\n" {
		t.Fatalf("unexpected tee output %q", tee.String())
	}
}
