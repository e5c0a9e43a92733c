package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"perfsup/internal/bufpool"
)

// compress gzips data, using a pooled buffer as scratch space. Returns the
// compressed bytes and true only when compression actually saved space.
func compress(pool *bufpool.Pool, data []byte) ([]byte, bool, error) {
	var scratch []byte
	var buf *bytes.Buffer
	if pool != nil {
		scratch = pool.Get()
		buf = bytes.NewBuffer(scratch[:0])
	} else {
		buf = &bytes.Buffer{}
	}

	zw := gzip.NewWriter(buf)
	if _, err := zw.Write(data); err != nil {
		return nil, false, fmt.Errorf("compress write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("compress close: %w", err)
	}

	if buf.Len() >= len(data) {
		if scratch != nil {
			pool.Put(scratch)
		}
		return data, false, nil
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	if scratch != nil {
		pool.Put(scratch)
	}
	return out, true, nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress open: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress read: %w", err)
	}
	return out, nil
}
