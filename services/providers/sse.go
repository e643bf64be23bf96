package providers

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxEventBytes bounds a single upstream SSE event
const MaxEventBytes = 1 << 20

// ErrEventTooLarge is returned when an upstream event exceeds MaxEventBytes
var ErrEventTooLarge = errors.New("sse event too large")

// SSEReader decodes the data payloads of a text/event-stream body. Comments
// and fields other than data are skipped; multi-line data is joined with \n.
type SSEReader struct {
	r *bufio.Reader
}

// NewSSEReader wraps r
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReaderSize(r, 4096)}
}

// Next returns the data of the next event. At the end of the body it returns
// io.EOF, or io.ErrUnexpectedEOF if an event was cut off.
func (s *SSEReader) Next() ([]byte, error) {
	var data []byte
	seen := false

	for {
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && seen {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if len(line) == 0 {
			if seen {
				return data, nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		if !bytes.Equal(field, []byte("data")) {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))

		if seen {
			data = append(data, '\n')
		}
		data = append(data, value...)
		seen = true
		if len(data) > MaxEventBytes {
			return nil, ErrEventTooLarge
		}
	}
}

// readLine returns one line without its terminator. A final line without a
// newline is returned before io.EOF.
func (s *SSEReader) readLine() ([]byte, error) {
	var line []byte
	for {
		frag, err := s.r.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > MaxEventBytes {
			return nil, ErrEventTooLarge
		}
		switch {
		case err == nil:
			line = bytes.TrimSuffix(line, []byte("\n"))
			return bytes.TrimSuffix(line, []byte("\r")), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return bytes.TrimSuffix(line, []byte("\r")), nil
		default:
			return nil, err
		}
	}
}
