package logutil

import "sync"

const defaultBacklog = 200

// Hub fans formatted log lines out to live subscribers and keeps the most
// recent ones for late joiners. Slow subscribers lose their oldest queued
// line rather than stalling the logger.
type Hub struct {
	mu      sync.Mutex
	backlog [][]byte
	limit   int
	subs    map[chan []byte]struct{}
}

func NewHub(limit int) *Hub {
	if limit <= 0 {
		limit = defaultBacklog
	}
	return &Hub{limit: limit, subs: map[chan []byte]struct{}{}}
}

func (h *Hub) Write(p []byte) (int, error) {
	line := append([]byte(nil), p...)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backlog = append(h.backlog, line)
	if over := len(h.backlog) - h.limit; over > 0 {
		h.backlog = append(h.backlog[:0:0], h.backlog[over:]...)
	}
	for ch := range h.subs {
		select {
		case ch <- line:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- line:
			default:
			}
		}
	}
	return len(p), nil
}

// Subscribe returns the current backlog, a channel of new lines and a func
// that ends the subscription and closes the channel.
func (h *Hub) Subscribe() ([][]byte, <-chan []byte, func()) {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	backlog := append([][]byte(nil), h.backlog...)
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return backlog, ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
}
