package source

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync/atomic"
)

// maxLineBytes bounds a single NDJSON frame. A crowded frame of a few
// hundred boxes is well under this.
const maxLineBytes = 1 << 20

// ReaderStats counts what a Reader has seen.
type ReaderStats struct {
	Lines     uint64 `json:"lines"`
	Frames    uint64 `json:"frames"`
	Malformed uint64 `json:"malformed"`
}

// Reader decodes newline-delimited JSON frames from a stream.
type Reader struct {
	name string
	r    io.Reader

	lines     atomic.Uint64
	frames    atomic.Uint64
	malformed atomic.Uint64
}

// NewReader wraps r. name is used in log lines only.
func NewReader(name string, r io.Reader) *Reader {
	return &Reader{name: name, r: r}
}

// Run reads frames until EOF, a read error, or ctx is cancelled, sending
// each decoded frame to out. Malformed lines are logged and skipped.
// It returns nil at EOF.
func (rd *Reader) Run(ctx context.Context, out chan<- Frame) error {
	scan := bufio.NewScanner(rd.r)
	scan.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	// The blocking scan runs on its own goroutine so cancellation is not
	// held up by a quiet input.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			line := append([]byte(nil), scan.Bytes()...)
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
				}
				logf("%s: end of input after %d frames (%d malformed)", rd.name, rd.frames.Load(), rd.malformed.Load())
				return nil
			}
			rd.lines.Add(1)
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			frame, err := DecodeFrame(line)
			if err != nil {
				n := rd.malformed.Add(1)
				logf("%s: skipping line %d: %v (total malformed: %d)", rd.name, rd.lines.Load(), err, n)
				continue
			}
			rd.frames.Add(1)
			select {
			case out <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Stats returns the reader counters.
func (rd *Reader) Stats() ReaderStats {
	return ReaderStats{
		Lines:     rd.lines.Load(),
		Frames:    rd.frames.Load(),
		Malformed: rd.malformed.Load(),
	}
}
