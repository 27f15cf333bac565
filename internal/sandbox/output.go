package sandbox

import (
	"bytes"
	"fmt"
	"sync"
	"unicode/utf8"
)

// binarySampleSize is how much of a stream is searched for a NUL byte
// before it is treated as text.
const binarySampleSize = 8000

// BinaryOutput locates the NUL byte that marked a stream as binary.
type BinaryOutput struct {
	Stream string
	Offset int
}

func (b BinaryOutput) String() string {
	return fmt.Sprintf("[binary %s: NUL byte at offset %d]", b.Stream, b.Offset)
}

// capturedStream is one stream of a cell as the interpreter reports it.
// Truncated means the interpreter already dropped bytes past the cap.
type capturedStream struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
}

// clipStream renders a captured stream for the model. A stream with a NUL
// byte in its leading sample is replaced by a single note. Text is cut at
// maxBytes without splitting a UTF-8 sequence.
func clipStream(name string, s capturedStream, maxBytes int) (string, bool, *BinaryOutput) {
	sample := s.Text
	if len(sample) > binarySampleSize {
		sample = sample[:binarySampleSize]
	}
	if at := bytes.IndexByte([]byte(sample), 0); at >= 0 {
		return "", true, &BinaryOutput{Stream: name, Offset: at}
	}
	if maxBytes <= 0 || len(s.Text) <= maxBytes {
		return s.Text, s.Truncated, nil
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s.Text[cut]) {
		cut--
	}
	return s.Text[:cut], true, nil
}

// stdioTail keeps the last bytes the interpreter writes outside a cell,
// such as the report of a crash in the prelude itself.
type stdioTail struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newStdioTail(max int) *stdioTail {
	return &stdioTail{max: max}
}

func (t *stdioTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *stdioTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
