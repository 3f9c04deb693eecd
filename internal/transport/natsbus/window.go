// ABOUTME: Bounded window keeping the newest messages seen while scanning a stream
// ABOUTME: Backs the newest-page history query, which JetStream cannot read backwards

package natsbus

import "github.com/2389/coven-chat/internal/chat"

type windowEntry struct {
	seq uint64
	msg chat.Message
}

// window is a ring buffer of the last size entries pushed.
type window struct {
	entries []windowEntry
	start   int
	size    int
}

func newWindow(size int) *window {
	return &window{entries: make([]windowEntry, 0, size), size: size}
}

func (w *window) push(seq uint64, msg chat.Message) {
	if len(w.entries) < w.size {
		w.entries = append(w.entries, windowEntry{seq: seq, msg: msg})
		return
	}
	w.entries[w.start] = windowEntry{seq: seq, msg: msg}
	w.start = (w.start + 1) % w.size
}

func (w *window) len() int { return len(w.entries) }

func (w *window) full() bool { return len(w.entries) >= w.size }

// messages returns the entries oldest first.
func (w *window) messages() []chat.Message {
	out := make([]chat.Message, 0, len(w.entries))
	for i := range w.entries {
		out = append(out, w.entries[(w.start+i)%len(w.entries)].msg)
	}
	return out
}

func (w *window) lastSeq() (uint64, bool) {
	if len(w.entries) == 0 {
		return 0, false
	}
	last := (w.start + len(w.entries) - 1) % len(w.entries)
	return w.entries[last].seq, true
}
