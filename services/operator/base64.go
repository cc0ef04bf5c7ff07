package operator

import (
	"encoding/base64"
	"fmt"
	"io"
)

// Base64Writer decodes base64 text that arrives in arbitrarily sized chunks,
// as produced by a remote exec stream, and forwards the decoded bytes to the
// wrapped writer. A chunk may end inside a 4-byte quad, so up to three bytes
// are carried over to the next Write. Whitespace between chunks is ignored.
type Base64Writer struct {
	w        io.Writer
	leftover []byte
}

// NewBase64Writer returns a Base64Writer forwarding decoded output to w.
func NewBase64Writer(w io.Writer) *Base64Writer {
	return &Base64Writer{w: w, leftover: make([]byte, 0, 3)}
}

func (b *Base64Writer) Write(p []byte) (int, error) {
	buf := make([]byte, 0, len(b.leftover)+len(p))
	buf = append(buf, b.leftover...)
	for _, c := range p {
		switch c {
		case ' ', '\n', '\r', '\t':
			continue
		}
		buf = append(buf, c)
	}

	complete := len(buf) / 4 * 4
	b.leftover = append(b.leftover[:0], buf[complete:]...)
	if complete == 0 {
		return len(p), nil
	}

	out := make([]byte, base64.StdEncoding.DecodedLen(complete))
	n, err := base64.StdEncoding.Decode(out, buf[:complete])
	if err != nil {
		return 0, fmt.Errorf("decode base64 stream: %w", err)
	}
	if _, err := b.w.Write(out[:n]); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close reports an error if the stream ended in the middle of a quad.
func (b *Base64Writer) Close() error {
	if len(b.leftover) != 0 {
		return fmt.Errorf("decode base64 stream: %d trailing bytes: %w", len(b.leftover), io.ErrUnexpectedEOF)
	}
	return nil
}
