package pocketfence

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression encodings, in default preference order.
const (
	EncodingBrotli = "br"
	EncodingZstd   = "zstd"
	EncodingGzip   = "gzip"
)

var defaultEncodingOrder = []string{EncodingBrotli, EncodingZstd, EncodingGzip}

// CompressHandler compresses the buffered responses of a local handler
// such as the admin API. Proxied origin responses never pass through it.
type CompressHandler struct {
	Handler http.Handler

	// MinSize is the smallest body that is compressed. Default 256.
	MinSize int

	// PreferOrder overrides the encoding preference.
	PreferOrder []string
}

// NewCompressHandler wraps h.
func NewCompressHandler(h http.Handler) *CompressHandler {
	return &CompressHandler{Handler: h, MinSize: 256}
}

func (c *CompressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	encoding := c.selectEncoding(r.Header.Get("Accept-Encoding"))
	if encoding == "" {
		c.Handler.ServeHTTP(w, r)
		return
	}

	bw := &bufferedWriter{header: make(http.Header), status: http.StatusOK}
	c.Handler.ServeHTTP(bw, r)

	dst := w.Header()
	for k, vv := range bw.header {
		dst[k] = vv
	}
	dst.Add("Vary", "Accept-Encoding")

	body := bw.body.Bytes()
	if len(body) < c.minSize() || dst.Get("Content-Encoding") != "" ||
		!compressible(dst.Get("Content-Type")) {
		w.WriteHeader(bw.status)
		_, _ = w.Write(body)
		return
	}

	compressed, err := CompressBytes(body, encoding)
	if err != nil {
		w.WriteHeader(bw.status)
		_, _ = w.Write(body)
		return
	}
	dst.Set("Content-Encoding", encoding)
	dst.Set("Content-Length", strconv.Itoa(len(compressed)))
	w.WriteHeader(bw.status)
	_, _ = w.Write(compressed)
}

func (c *CompressHandler) minSize() int {
	if c.MinSize <= 0 {
		return 256
	}
	return c.MinSize
}

func (c *CompressHandler) selectEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	accepted := parseAcceptEncoding(acceptEncoding)
	order := c.PreferOrder
	if len(order) == 0 {
		order = defaultEncodingOrder
	}
	for _, enc := range order {
		if accepted[enc] {
			return enc
		}
	}
	return ""
}

// parseAcceptEncoding returns the encodings with a non-zero quality.
func parseAcceptEncoding(header string) map[string]bool {
	result := make(map[string]bool)
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				continue
			}
		}
		result[name] = true
	}
	return result
}

func compressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "application/json") ||
		strings.HasPrefix(ct, "text/")
}

type bufferedWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
	wrote  bool
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if !b.wrote {
		b.status, b.wrote = status, true
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.wrote = true
	return b.body.Write(p)
}

// CompressBytes compresses data with encoding. Unknown encodings return
// data unchanged.
func CompressBytes(data []byte, encoding string) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser

	switch encoding {
	case EncodingGzip:
		w = gzip.NewWriter(&buf)
	case EncodingBrotli:
		w = brotli.NewWriter(&buf)
	case EncodingZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return data, nil
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
