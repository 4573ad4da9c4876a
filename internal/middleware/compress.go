package middleware

import (
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Compression gzips responses larger than threshold bytes when the client
// accepts gzip. An x-no-compression request header suppresses it entirely.
func Compression(threshold int64) Middleware {
	if threshold <= 0 {
		threshold = 1 << 10
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-No-Compression") != "" ||
				!strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
				next.ServeHTTP(w, r)
				return
			}

			cw := &compressWriter{ResponseWriter: w, threshold: int(threshold)}
			defer cw.close()
			next.ServeHTTP(cw, r)
		})
	}
}

// compressWriter buffers the response until the threshold is crossed; small
// responses are sent uncompressed, larger ones switch to a gzip stream. An
// explicit Flush before the threshold commits to the uncompressed path so
// streamed responses are never held back.
type compressWriter struct {
	http.ResponseWriter
	threshold   int
	status      int
	wroteHeader bool

	buf   []byte
	gz    *gzip.Writer
	plain bool
	done  bool
}

func (cw *compressWriter) WriteHeader(status int) {
	if cw.wroteHeader {
		return
	}
	cw.status = status
	cw.wroteHeader = true
	// Header emission is deferred until we know whether gzip kicks in.
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}

	if cw.gz != nil {
		return cw.gz.Write(b)
	}
	if cw.plain {
		return cw.ResponseWriter.Write(b)
	}

	cw.buf = append(cw.buf, b...)
	if len(cw.buf) > cw.threshold && cw.compressible() {
		h := cw.Header()
		h.Set("Content-Encoding", "gzip")
		h.Del("Content-Length")
		h.Add("Vary", "Accept-Encoding")
		cw.ResponseWriter.WriteHeader(cw.status)

		cw.gz = gzip.NewWriter(cw.ResponseWriter)
		if _, err := cw.gz.Write(cw.buf); err != nil {
			return 0, err
		}
		cw.buf = nil
	}
	return len(b), nil
}

// compressible skips already-encoded payloads.
func (cw *compressWriter) compressible() bool {
	return cw.Header().Get("Content-Encoding") == ""
}

func (cw *compressWriter) Flush() {
	if cw.gz != nil {
		cw.gz.Flush()
	} else if !cw.plain {
		cw.commitPlain()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// close flushes whatever path the response took.
func (cw *compressWriter) close() {
	if cw.done {
		return
	}
	cw.done = true

	if cw.gz != nil {
		cw.gz.Close()
		return
	}
	if !cw.plain {
		cw.commitPlain()
	}
}

// commitPlain abandons buffering and sends what we have uncompressed.
func (cw *compressWriter) commitPlain() {
	cw.plain = true
	status := cw.status
	if status == 0 {
		status = http.StatusOK
	}
	cw.ResponseWriter.WriteHeader(status)
	if len(cw.buf) > 0 {
		cw.ResponseWriter.Write(cw.buf)
		cw.buf = nil
	}
}
