package ami

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
)

const (
	// MaxLineLength bounds a single header line.
	MaxLineLength = 64 * 1024
	// MaxFields bounds the number of headers in one block.
	MaxFields = 512

	// BannerPrefix starts the greeting line every AMI server sends on connect.
	BannerPrefix = "Asterisk Call Manager/"
)

// FrameError reports a malformed block. The stream cannot be resynchronised
// after one, so the connection must be dropped.
type FrameError struct {
	Line   int    // 1-based line number within the connection
	Reason string // what was wrong
	Text   string // offending line, truncated
}

func (e *FrameError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("ami frame error at line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("ami frame error at line %d: %s: %q", e.Line, e.Reason, e.Text)
}

// Unwrap lets errors.Is match errors.ErrFrameMalformed.
func (e *FrameError) Unwrap() error {
	return errors.ErrFrameMalformed
}

// Decoder reads blocks from an AMI byte stream. Blocks may arrive split
// across any number of reads. A Decoder is bound to one connection and is
// not safe for concurrent use.
type Decoder struct {
	r    *bufio.Reader
	line int
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// readLine returns one line without its terminator. A final line with no
// terminator is returned together with io.EOF.
func (d *Decoder) readLine() (string, error) {
	var acc []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(acc)+len(chunk) > MaxLineLength+2 {
			d.line++
			return "", &FrameError{Line: d.line, Reason: "line too long", Text: truncate(string(acc) + string(chunk))}
		}
		acc = append(acc, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if len(acc) > 0 {
				d.line++
			}
			return string(bytes.TrimRight(acc, "\r\n")), err
		}
		d.line++
		return string(bytes.TrimRight(acc, "\r\n")), nil
	}
}

// ReadBanner reads the greeting line and returns the protocol version.
func (d *Decoder) ReadBanner() (string, error) {
	line, err := d.readLine()
	if err != nil {
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, BannerPrefix) {
		return "", fmt.Errorf("%w: %q", errors.ErrBannerMismatch, truncate(line))
	}
	return strings.TrimPrefix(line, BannerPrefix), nil
}

// Next returns the next complete block. It returns io.EOF only when the
// stream ends between blocks; an end inside a block is a *FrameError.
// Other read errors, such as deadline expiry, are returned unchanged.
func (d *Decoder) Next() (Block, error) {
	var block Block
	for {
		line, err := d.readLine()
		if err != nil && err != io.EOF {
			return nil, err
		}
		atEOF := err == io.EOF

		if strings.TrimSpace(line) == "" {
			if atEOF {
				if len(block) > 0 {
					return nil, &FrameError{Line: d.line, Reason: "stream ended inside block"}
				}
				return nil, io.EOF
			}
			if len(block) == 0 {
				// Blank lines between blocks carry nothing.
				continue
			}
			return block, nil
		}

		if atEOF {
			return nil, &FrameError{Line: d.line, Reason: "stream ended inside block", Text: truncate(line)}
		}

		field, ferr := d.parseField(line)
		if ferr != nil {
			return nil, ferr
		}
		if len(block) == MaxFields {
			return nil, &FrameError{Line: d.line, Reason: "too many fields in block"}
		}
		block = append(block, field)
	}
}

func (d *Decoder) parseField(line string) (Field, error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return Field{}, &FrameError{Line: d.line, Reason: "missing colon", Text: truncate(line)}
	}
	key := strings.TrimSpace(line[:idx])
	if key == "" {
		return Field{}, &FrameError{Line: d.line, Reason: "empty key", Text: truncate(line)}
	}
	return Field{Key: key, Value: strings.TrimSpace(line[idx+1:])}, nil
}

func truncate(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
