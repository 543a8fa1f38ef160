package netutil

import (
	"errors"
	"fmt"
	"io"
)

// LimitedReader reads at most Limit bytes and fails with
// SizeLimitExceededError when the source has more, instead of silently
// truncating the way io.LimitReader does.
type LimitedReader struct {
	R     io.Reader
	N     int64 // bytes remaining
	Limit int64
	read  int64
}

// NewLimitedReader wraps r with a hard size limit.
func NewLimitedReader(r io.Reader, limit int64) *LimitedReader {
	return &LimitedReader{R: r, N: limit, Limit: limit}
}

// Read implements io.Reader.
func (l *LimitedReader) Read(p []byte) (int, error) {
	if l.N <= 0 {
		return 0, &SizeLimitExceededError{Limit: l.Limit, Read: l.read}
	}
	if int64(len(p)) > l.N {
		p = p[:l.N]
	}

	n, err := l.R.Read(p)
	l.N -= int64(n)
	l.read += int64(n)

	if l.N == 0 && err == nil {
		// Peek one byte to distinguish an exact-size source from an
		// oversized one.
		var buf [1]byte
		extra, extraErr := l.R.Read(buf[:])
		if extra > 0 {
			return n, &SizeLimitExceededError{Limit: l.Limit, Read: l.read + 1}
		}
		if extraErr != nil && extraErr != io.EOF {
			return n, extraErr
		}
	}

	return n, err
}

// BytesRead returns how many bytes have been consumed.
func (l *LimitedReader) BytesRead() int64 {
	return l.read
}

// SizeLimitExceededError reports a source larger than the configured limit.
type SizeLimitExceededError struct {
	Limit int64
	Read  int64
}

func (e *SizeLimitExceededError) Error() string {
	return fmt.Sprintf("size limit exceeded: read %d bytes, limit is %d bytes", e.Read, e.Limit)
}

// IsSizeLimitExceededError reports whether err is a SizeLimitExceededError.
func IsSizeLimitExceededError(err error) bool {
	var sizeErr *SizeLimitExceededError
	return errors.As(err, &sizeErr)
}

// FormatSize renders a byte count for log lines.
func FormatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gb)
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mb)
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kb)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
