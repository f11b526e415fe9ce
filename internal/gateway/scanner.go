package gateway

import (
	"bytes"
	"unicode/utf8"

	"ollama-metrics-proxy/internal/ollama"
)

// MaxFrameSize bounds a single NDJSON line. Longer lines are skipped. The
// final /api/generate frame carries the whole context token array, which runs
// to several MiB on long-context models.
const MaxFrameSize = 32 << 20

// FrameScanner finds the terminal frame in a newline-delimited JSON stream
// that arrives in arbitrary chunks. It holds at most one partial line.
// A FrameScanner is not safe for concurrent use.
type FrameScanner struct {
	partial  []byte
	overflow bool

	terminal ollama.Stats
	found    bool
}

func NewFrameScanner() *FrameScanner {
	return &FrameScanner{}
}

// Write feeds the next chunk of the stream. It never fails.
func (s *FrameScanner) Write(p []byte) (int, error) {
	n := len(p)
	for {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			s.buffer(p)
			return n, nil
		}

		line := p[:i]
		if len(s.partial) > 0 || s.overflow {
			s.buffer(line)
			line = s.partial
		}
		if !s.overflow && len(line) <= MaxFrameSize {
			s.scanLine(line)
		}
		s.partial = s.partial[:0]
		s.overflow = false
		p = p[i+1:]
	}
}

// Close scans any trailing unterminated line and returns the last terminal
// frame seen, if any.
func (s *FrameScanner) Close() (ollama.Stats, bool) {
	if !s.overflow && len(s.partial) > 0 {
		s.scanLine(s.partial)
	}
	s.partial = nil
	s.overflow = false
	return s.terminal, s.found
}

func (s *FrameScanner) buffer(p []byte) {
	if s.overflow || len(p) == 0 {
		return
	}
	if len(s.partial)+len(p) > MaxFrameSize {
		s.overflow = true
		s.partial = s.partial[:0]
		return
	}
	s.partial = append(s.partial, p...)
}

func (s *FrameScanner) scanLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !utf8.Valid(line) {
		return
	}
	stats, err := ollama.ParseStats(line)
	if err != nil || !stats.Done {
		return
	}
	s.terminal = stats
	s.found = true
}
