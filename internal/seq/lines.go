// Package seq provides lazy sequences over item lists, so that a list is read only as fast as its
// items are consumed.
package seq

import (
	"bufio"
	"io"
	"iter"
	"strings"
)

const maxLineBytes = 1 << 20

// LineReader yields the lines of an io.Reader lazily. Blank lines and lines starting with '#'
// are skipped and surrounding whitespace is trimmed.
type LineReader struct {
	r   io.Reader
	err error
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: r}
}

// Lines returns the sequence of lines. Reading stops at the first read error, which Err reports.
// The sequence should be iterated once.
func (l *LineReader) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		scanner := bufio.NewScanner(l.r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if !yield(line) {
				return
			}
		}
		l.err = scanner.Err()
	}
}

// Err returns the error that ended the sequence early, if any.
func (l *LineReader) Err() error {
	return l.err
}

// Map applies f to every element of s as it is pulled.
func Map[T, R any](s iter.Seq[T], f func(T) R) iter.Seq[R] {
	return func(yield func(R) bool) {
		for v := range s {
			if !yield(f(v)) {
				return
			}
		}
	}
}
