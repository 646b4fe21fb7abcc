// Package compress gzips outbound payloads when doing so pays off.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// MinSavingsRatio is the largest compressed/original ratio that is still
// worth sending compressed.
const MinSavingsRatio = 0.9

// Options gates compression of a single payload.
type Options struct {
	Enabled   bool
	Threshold int
	Level     int
}

// Payload is the (possibly compressed) body of one outbound request.
type Payload struct {
	Bytes          []byte
	IsCompressed   bool
	OriginalSize   int
	CompressedSize int
}

// ContentEncoding returns the HTTP Content-Encoding for the payload.
func (p Payload) ContentEncoding() string {
	if p.IsCompressed {
		return "gzip"
	}
	return ""
}

// Ratio returns CompressedSize/OriginalSize, or 1 for an empty payload.
func (p Payload) Ratio() float64 {
	if p.OriginalSize == 0 {
		return 1
	}
	return float64(p.CompressedSize) / float64(p.OriginalSize)
}

type writerPool struct {
	level int
	pool  sync.Pool
}

var (
	poolsMu sync.Mutex
	pools   = map[int]*writerPool{}
)

func poolFor(level int) *writerPool {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	if p, ok := pools[level]; ok {
		return p
	}
	p := &writerPool{level: level}
	p.pool.New = func() any {
		w, err := gzip.NewWriterLevel(io.Discard, level)
		if err != nil {
			w = gzip.NewWriter(io.Discard)
		}
		return w
	}
	pools[level] = p
	return p
}

// Compress returns data unchanged when compression is disabled, when
// len(data) <= opts.Threshold, or when gzip saves less than 10%.
func Compress(data []byte, opts Options) (Payload, error) {
	plain := Payload{Bytes: data, OriginalSize: len(data), CompressedSize: len(data)}
	if !opts.Enabled || len(data) <= opts.Threshold {
		return plain, nil
	}

	level := opts.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	p := poolFor(level)
	w := p.pool.Get().(*gzip.Writer)
	defer p.pool.Put(w)

	var buf bytes.Buffer
	buf.Grow(len(data) / 2)
	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return plain, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return plain, fmt.Errorf("gzip close: %w", err)
	}

	if float64(buf.Len()) > MinSavingsRatio*float64(len(data)) {
		return plain, nil
	}
	return Payload{
		Bytes:          buf.Bytes(),
		IsCompressed:   true,
		OriginalSize:   len(data),
		CompressedSize: buf.Len(),
	}, nil
}

// Decompress returns the original bytes of p.
func Decompress(p Payload) ([]byte, error) {
	if !p.IsCompressed {
		return p.Bytes, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(p.Bytes))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
