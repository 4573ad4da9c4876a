package proxy

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// hopHeaders are stripped from requests and responses crossing the proxy.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// buildUpstreamURL maps the client path onto the upstream origin: the route's
// prefix is stripped and the remaining suffix (plus query string) appended to
// the origin.
func buildUpstreamURL(origin, prefix string, reqURL *url.URL) (*url.URL, error) {
	suffix := strings.TrimPrefix(reqURL.Path, strings.TrimRight(prefix, "/"))
	if suffix == "" {
		suffix = "/"
	}
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}

	target, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}
	target.Path = strings.TrimRight(target.Path, "/") + suffix
	target.RawQuery = reqURL.RawQuery
	return target, nil
}

// prepareHeaders copies the client headers onto the outbound request,
// removing hop-by-hop headers and appending the peer address to
// X-Forwarded-For. The Host header is overwritten with the upstream
// authority by the caller via Request.Host.
func prepareHeaders(out *http.Request, in *http.Request) {
	for name, values := range in.Header {
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}

	for _, name := range hopHeaders {
		out.Header.Del(name)
	}
	for name := range out.Header {
		if strings.HasPrefix(name, "Proxy-") {
			out.Header.Del(name)
		}
	}

	if peer := peerAddr(in); peer != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+peer)
		} else {
			out.Header.Set("X-Forwarded-For", peer)
		}
	}
}

// stripHopHeaders removes hop-by-hop headers from an upstream response
// before it is relayed to the client.
func stripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
	for name := range h {
		if strings.HasPrefix(name, "Proxy-") {
			h.Del(name)
		}
	}
}

// peerAddr returns the socket peer IP of the client connection.
func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
