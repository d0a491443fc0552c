package session

import "github.com/amurg-ai/botgate/pkg/protocol"

// DefaultLogCapacity is the number of entries an operator log retains.
const DefaultLogCapacity = 200

// Log is a fixed-capacity FIFO of run log entries. Appending to a full log
// evicts the oldest entry.
type Log struct {
	buf   []protocol.LogEntry
	start int
	n     int
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Log{buf: make([]protocol.LogEntry, capacity)}
}

func (l *Log) Append(e protocol.LogEntry) {
	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = e
		l.n++
		return
	}
	l.buf[l.start] = e
	l.start = (l.start + 1) % len(l.buf)
}

// Entries returns a copy of the log, oldest first. Never nil.
func (l *Log) Entries() []protocol.LogEntry {
	out := make([]protocol.LogEntry, 0, l.n)
	for i := 0; i < l.n; i++ {
		out = append(out, l.buf[(l.start+i)%len(l.buf)])
	}
	return out
}

func (l *Log) Len() int { return l.n }

func (l *Log) Clear() {
	clear(l.buf)
	l.start, l.n = 0, 0
}

// Last returns the newest entry.
func (l *Log) Last() (protocol.LogEntry, bool) {
	if l.n == 0 {
		return protocol.LogEntry{}, false
	}
	return l.buf[(l.start+l.n-1)%len(l.buf)], true
}
