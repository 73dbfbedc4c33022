package middleware

import (
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// BrotliConfig tunes the Brotli middleware.
type BrotliConfig struct {
	Quality int
	// MinLength is the body size below which responses are sent uncompressed.
	MinLength int
	Skipper   func(c *gin.Context) bool
}

var DefaultBrotliConfig = BrotliConfig{
	Quality:   brotli.DefaultCompression,
	MinLength: 1024,
}

// brotliWriter holds the body back until MinLength bytes arrived, then
// decides once whether to compress.
type brotliWriter struct {
	gin.ResponseWriter
	quality   int
	minLength int
	buf       []byte
	decided   bool
	br        *brotli.Writer
}

func (bw *brotliWriter) Write(data []byte) (int, error) {
	if bw.decided {
		if bw.br != nil {
			return bw.br.Write(data)
		}
		return bw.ResponseWriter.Write(data)
	}

	bw.buf = append(bw.buf, data...)
	if len(bw.buf) < bw.minLength {
		return len(data), nil
	}
	if err := bw.decide(true); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (bw *brotliWriter) WriteString(s string) (int, error) {
	return bw.Write([]byte(s))
}

// Flush pushes out whatever is buffered; streaming responses that flush
// before MinLength go out uncompressed.
func (bw *brotliWriter) Flush() {
	if !bw.decided {
		_ = bw.decide(false)
	}
	if bw.br != nil {
		_ = bw.br.Flush()
	}
	bw.ResponseWriter.Flush()
}

func (bw *brotliWriter) decide(large bool) error {
	bw.decided = true
	buf := bw.buf
	bw.buf = nil

	if large && compressible(bw.Header().Get("Content-Type")) {
		bw.Header().Set("Content-Encoding", "br")
		bw.Header().Del("Content-Length")
		bw.br = brotli.NewWriterLevel(bw.ResponseWriter, bw.quality)
		_, err := bw.br.Write(buf)
		return err
	}
	_, err := bw.ResponseWriter.Write(buf)
	return err
}

func (bw *brotliWriter) close() error {
	if !bw.decided {
		if len(bw.buf) == 0 {
			return nil
		}
		return bw.decide(false)
	}
	if bw.br != nil {
		return bw.br.Close()
	}
	return nil
}

func Brotli() gin.HandlerFunc {
	return BrotliWithConfig(DefaultBrotliConfig)
}

func BrotliWithConfig(cfg BrotliConfig) gin.HandlerFunc {
	if cfg.Quality < brotli.BestSpeed || cfg.Quality > brotli.BestCompression {
		cfg.Quality = brotli.DefaultCompression
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultBrotliConfig.MinLength
	}

	return func(c *gin.Context) {
		if shouldSkip(c) || (cfg.Skipper != nil && cfg.Skipper(c)) || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")
		bw := &brotliWriter{
			ResponseWriter: c.Writer,
			quality:        cfg.Quality,
			minLength:      cfg.MinLength,
		}
		defer func() {
			if err := bw.close(); err != nil {
				_ = c.Error(err)
			}
		}()

		c.Writer = bw
		c.Next()
	}
}

// shouldSkip passes through streams and upgrades, which break when buffered.
func shouldSkip(c *gin.Context) bool {
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return true
	}
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

// compressible is false for formats that are compressed already.
func compressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case ct == "":
		return true
	case strings.HasPrefix(ct, "image/svg"):
		return true
	case strings.HasPrefix(ct, "image/"), strings.HasPrefix(ct, "video/"), strings.HasPrefix(ct, "audio/"):
		return false
	case strings.HasPrefix(ct, "application/pdf"), strings.HasPrefix(ct, "application/zip"),
		strings.HasPrefix(ct, "application/gzip"):
		return false
	}
	return true
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(name, "br") {
			return true
		}
	}
	return false
}
