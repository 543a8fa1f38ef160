package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/skillhost-dev/skillhost/hosterr"
)

// MaxLineBytes caps one protocol line. A child that emits more is feeding us
// garbage or a runaway payload; either way the line is malformed.
const MaxLineBytes = 100 * 1024

const scanBufSize = 64 * 1024

// Codec frames messages over one child's byte streams. Writes are serialized
// through a single-writer mutex so concurrent callers never interleave
// partial lines; reads are owned by exactly one loop and are not locked.
type Codec struct {
	w       io.Writer
	writeMu sync.Mutex

	scanner *bufio.Scanner
	maxLine int

	nextID atomic.Uint64

	logger *slog.Logger
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithMaxLineBytes overrides the line cap.
func WithMaxLineBytes(n int) CodecOption {
	return func(c *Codec) {
		if n > 0 {
			c.maxLine = n
		}
	}
}

// WithCodecLogger sets the logger used for dropped-line warnings.
func WithCodecLogger(l *slog.Logger) CodecOption {
	return func(c *Codec) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCodec wraps the child's stdout (r) and stdin (w).
func NewCodec(r io.Reader, w io.Writer, opts ...CodecOption) *Codec {
	c := &Codec{
		w:       w,
		maxLine: MaxLineBytes,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.scanner = bufio.NewScanner(r)
	c.scanner.Buffer(make([]byte, 0, scanBufSize), c.maxLine)
	return c
}

// NextID returns the next request id. Ids start at 1 and never repeat for
// the life of the codec.
func (c *Codec) NextID() uint64 {
	return c.nextID.Add(1)
}

// WriteRequest allocates an id, frames the request, and writes it as one
// line. The returned id matches the response the child will send.
func (c *Codec) WriteRequest(method string, params any) (uint64, error) {
	id := c.NextID()
	if err := c.WriteRequestID(id, method, params); err != nil {
		return 0, err
	}
	return id, nil
}

// WriteRequestID writes a request under a caller-supplied id. Used when the
// caller must register the id with a response router before any bytes hit
// the wire.
func (c *Codec) WriteRequestID(id uint64, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	line, err := json.Marshal(Request{ID: id, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	return c.writeLine(line)
}

// WriteResponse answers a child-initiated request.
func (c *Codec) WriteResponse(resp Response) error {
	line, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response %d: %w", resp.ID, err)
	}
	return c.writeLine(line)
}

func (c *Codec) writeLine(line []byte) error {
	if len(line) > c.maxLine {
		return &hosterr.LineTooLongError{Limit: c.maxLine}
	}
	if bytes.ContainsRune(line, '\n') {
		return fmt.Errorf("%w: encoded message embeds a newline", hosterr.ErrMalformedMessage)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write protocol line: %w", err)
	}
	return nil
}

// ReadMessage blocks until one full line is available and decodes it. Blank
// lines are skipped. io.EOF means the child closed its stdout. A line over
// the cap or one that fails to decode is MalformedMessage; the caller
// decides whether that is fatal for the stream.
func (c *Codec) ReadMessage() (Message, error) {
	for {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					return Message{}, &hosterr.LineTooLongError{Limit: c.maxLine}
				}
				return Message{}, fmt.Errorf("read protocol line: %w", err)
			}
			return Message{}, io.EOF
		}
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
