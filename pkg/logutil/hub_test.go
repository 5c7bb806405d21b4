package logutil

import (
	"fmt"
	"testing"
)

func TestHubKeepsBoundedBacklog(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		_, _ = fmt.Fprintf(h, "line %d\n", i)
	}
	backlog, _, unsubscribe := h.Subscribe()
	defer unsubscribe()
	if len(backlog) != 3 {
		t.Fatalf("expected 3 backlog lines, got %d", len(backlog))
	}
	if string(backlog[0]) != "line 2\n" || string(backlog[2]) != "line 4\n" {
		t.Fatalf("unexpected backlog: %q", backlog)
	}
}

func TestHubDeliversAndDropsOldestWhenFull(t *testing.T) {
	h := NewHub(10)
	_, lines, unsubscribe := h.Subscribe()
	for i := 0; i < 70; i++ {
		_, _ = fmt.Fprintf(h, "line %d\n", i)
	}
	first := <-lines
	if string(first) != "line 6\n" {
		t.Fatalf("expected oldest lines dropped, first is %q", first)
	}
	unsubscribe()
	unsubscribe()
	for range lines {
	}
	if _, err := h.Write([]byte("after\n")); err != nil {
		t.Fatalf("write after unsubscribe: %v", err)
	}
}
