package shell

import (
	"bufio"
	"io"
)

// defaultBufferSize bounds a single output line.
const defaultBufferSize = 1024 * 1024

// Parser splits a process output stream into lines.
//
// The channel returned by Parse is closed when:
//   - EOF is reached (normal completion)
//   - The underlying reader is closed
//   - A line exceeds the buffer size
type Parser interface {
	// Parse reads from reader and returns a channel of [Line] values.
	Parse(reader io.Reader) <-chan Line
}

// Line is one line of step output without its trailing newline.
type Line struct {
	// Number is the 1-based line number within the step.
	Number int
	Text   string
}

// DefaultParser implements [Parser] with a buffered scanner.
//
// Create instances using [NewParser] rather than constructing directly to
// ensure proper default values.
type DefaultParser struct {
	// BufferSize is the maximum size in bytes for a single line.
	// Defaults to 1MB if not set or <= 0.
	BufferSize int
}

// NewParser creates a new [DefaultParser] with default settings.
func NewParser() *DefaultParser {
	return &DefaultParser{
		BufferSize: defaultBufferSize,
	}
}

// Parse spawns a goroutine that scans lines from reader and sends them on
// the returned channel. Empty lines are forwarded; build logs use them.
//
// When the scanner stops early the remainder of the reader is drained so
// the writing process never blocks on a full pipe.
func (p *DefaultParser) Parse(reader io.Reader) <-chan Line {
	lines := make(chan Line)

	go func() {
		defer close(lines)

		bufSize := p.BufferSize
		if bufSize <= 0 {
			bufSize = defaultBufferSize
		}
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), bufSize)

		n := 0
		for scanner.Scan() {
			n++
			lines <- Line{Number: n, Text: scanner.Text()}
		}

		if scanner.Err() != nil {
			_, _ = io.Copy(io.Discard, reader)
		}
	}()

	return lines
}
