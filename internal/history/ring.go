// Package history keeps the most recent chat lines for the UI.
package history

import "fmt"

// Ring holds at most max lines; pushing onto a full ring drops the oldest one.
// It is not safe for concurrent use: the UI goroutine owns it.
type Ring struct {
	lines []string
	start int
	size  int
}

// NewRing builds an empty ring.
func NewRing(max int) (*Ring, error) {
	if max <= 0 {
		return nil, fmt.Errorf("history.NewRing: max (%d) must be greater than 0", max)
	}
	return &Ring{lines: make([]string, max)}, nil
}

// Len returns the number of stored lines.
func (r *Ring) Len() int {
	return r.size
}

// Push appends a line.
func (r *Ring) Push(line string) {
	if r.size < len(r.lines) {
		r.lines[(r.start+r.size)%len(r.lines)] = line
		r.size++
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % len(r.lines)
}

// Lines copies the stored lines, oldest first.
func (r *Ring) Lines() []string {
	out := make([]string, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.lines[(r.start+i)%len(r.lines)]
	}
	return out
}

// Reset drops every line.
func (r *Ring) Reset() {
	r.start, r.size = 0, 0
}
