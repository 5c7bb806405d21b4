package logutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	outputMu  sync.Mutex
	outputTee io.Writer
	sink      = &levelFilterWriter{minLevel: log.InfoLevel}
)

// Configure sets the stderr level. The logger itself always runs at debug so
// that a tee (the admin log tail) sees everything.
func Configure(levelRaw string) error {
	level, err := ParseLevel(levelRaw)
	if err != nil {
		return err
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	sink.mu.Lock()
	sink.minLevel = level
	sink.mu.Unlock()
	log.SetLevel(log.DebugLevel)
	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.DateTime)
	applyOutputLocked()
	return nil
}

func ParseLevel(levelRaw string) (log.Level, error) {
	levelRaw = strings.ToLower(strings.TrimSpace(levelRaw))
	switch levelRaw {
	case "":
		return log.InfoLevel, nil
	case "trace":
		return log.DebugLevel, nil
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	return level, nil
}

// SetOutputTee mirrors every log line, unfiltered, to w. Nil removes it.
func SetOutputTee(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	outputTee = w
	applyOutputLocked()
}

func applyOutputLocked() {
	sink.mu.Lock()
	sink.out = os.Stderr
	sink.tee = outputTee
	sink.mu.Unlock()
	log.SetOutput(sink)
}

// levelFilterWriter splits writes into lines and drops the ones below
// minLevel before they reach out.
type levelFilterWriter struct {
	mu       sync.Mutex
	out      io.Writer
	tee      io.Writer
	minLevel log.Level
	buf      []byte
}

func (w *levelFilterWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), w.buf[:idx+1]...)
		w.buf = w.buf[idx+1:]
		if w.tee != nil {
			_, _ = w.tee.Write(line)
		}
		if w.out != nil && lineLevel(line) >= w.minLevel {
			_, _ = w.out.Write(line)
		}
	}
	return len(p), nil
}

var levelTokens = map[string]log.Level{
	"DEBU": log.DebugLevel, "DEBUG": log.DebugLevel,
	"INFO": log.InfoLevel,
	"WARN": log.WarnLevel, "WARNING": log.WarnLevel,
	"ERRO": log.ErrorLevel, "ERROR": log.ErrorLevel,
	"FATA": log.FatalLevel, "FATAL": log.FatalLevel,
}

// lineLevel finds the level token the text formatter puts after the
// timestamp. Lines without one count as info.
func lineLevel(line []byte) log.Level {
	fields := strings.Fields(stripANSI(string(line)))
	if len(fields) > 4 {
		fields = fields[:4]
	}
	for _, f := range fields {
		f = strings.ToUpper(f)
		if l, ok := levelTokens[strings.TrimPrefix(f, "LEVEL=")]; ok {
			return l
		}
	}
	return log.InfoLevel
}

func stripANSI(s string) string {
	if strings.IndexByte(s, 0x1b) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == 0x1b:
			inEsc = true
		case inEsc:
			if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
				inEsc = false
			}
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
