package upstream

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

const acceptEncoding = "gzip, deflate, br, zstd"

type multiCloser struct {
	io.Reader
	closers []func() error
}

func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// decodeBody unwraps the first supported Content-Encoding. Browsers get
// br/zstd from these backends, so the client asks for them explicitly.
func decodeBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	for _, raw := range strings.Split(contentEncoding, ",") {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "", "identity":
			continue
		case "gzip":
			zr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return nil, fmt.Errorf("gzip reader: %w", err)
			}
			return &multiCloser{Reader: zr, closers: []func() error{zr.Close, body.Close}}, nil
		case "deflate":
			fr := flate.NewReader(body)
			return &multiCloser{Reader: fr, closers: []func() error{fr.Close, body.Close}}, nil
		case "br":
			return &multiCloser{Reader: brotli.NewReader(body), closers: []func() error{body.Close}}, nil
		case "zstd":
			dec, err := zstd.NewReader(body)
			if err != nil {
				_ = body.Close()
				return nil, fmt.Errorf("zstd reader: %w", err)
			}
			return &multiCloser{Reader: dec, closers: []func() error{func() error { dec.Close(); return nil }, body.Close}}, nil
		}
	}
	return body, nil
}
