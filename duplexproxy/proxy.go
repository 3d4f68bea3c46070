// duplexproxy/proxy.go
package duplexproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mpetrov/duplexsse/pantry/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures a Proxy: the local path it answers on and the
// upstream base URL (scheme + host, no path) it
// forwards both the SSE GET and the POSTs to, at the same path and
// query string it received them on.
type Config struct {
	Path            string
	UpstreamBaseURL string
	DialTimeout     time.Duration
	Logger          *zap.Logger
}

// Proxy forwards the same GET/POST split the ServerHandler answers,
// preserving SSE framing on GET and forwarding POSTs verbatim,
// without decoding either.
//
// Grounded on stdlib net/http/httputil.ReverseProxy for the POST side
// (a justified stdlib choice: no third-party reverse-proxy library
// available here is more idiomatic than the one the standard library
// already ships). The GET side cannot use ReverseProxy at all — it
// would buffer and re-chunk the body, breaking the blank-line framing
// boundaries SSE depends on — so it is hand-rolled hijack-and-pump,
// grounded on the same hijack idiom pantry/sse.Stream uses for the
// direct-serve path, applied here to two hijacked byte streams instead
// of one.
type Proxy struct {
	path        string
	upstream    *url.URL
	dialTimeout time.Duration
	logger      *zap.Logger
	client      *http.Client

	rpMu         sync.Mutex
	reverseProxy *httputil.ReverseProxy
}

// New constructs a Proxy. UpstreamBaseURL must be an absolute
// scheme+host URL with no path component.
func New(cfg Config) (*Proxy, error) {
	u, err := url.Parse(cfg.UpstreamBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("duplexproxy: invalid upstream base URL %q", cfg.UpstreamBaseURL)
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Proxy{
		path:        cfg.Path,
		upstream:    u,
		dialTimeout: dialTimeout,
		logger:      cfg.Logger,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext,
			},
			// The proxy must see the upstream's real status/headers to
			// relay them; auto-following a redirect would silently
			// substitute a different response for the one being proxied.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// ServeHTTP implements the same method/path dispatch as ServerHandler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != p.path {
		errors.Write(w, errors.NotFound("the requested resource was not found"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
			errors.Write(w, errors.NotFound("the requested resource was not found"))
			return
		}
		p.proxyGet(w, r)
	case http.MethodPost:
		p.proxyPost(w, r)
	default:
		errors.Write(w, errors.NotFound("the requested resource was not found"))
	}
}

// proxyGet opens a streaming upstream request preserving the original
// query string and headers, then hijacks the downstream connection and
// pumps upstream response bytes to it until either side ends.
func (p *Proxy) proxyGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	upstreamURL := *p.upstream
	upstreamURL.Path = p.path
	upstreamURL.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL.String(), nil)
	if err != nil {
		errors.Write(w, errors.Internal("bad upstream request"))
		return
	}
	req.Header = r.Header.Clone()
	req.Host = p.upstream.Host

	resp, err := p.client.Do(req)
	if err != nil {
		errors.Write(w, errors.New(errors.CodeServiceUnavailable, "upstream unavailable", http.StatusBadGateway))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		for k, vals := range resp.Header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		errors.Write(w, errors.Internal("streaming unsupported"))
		return
	}
	conn, bufrw, err := hijacker.Hijack()
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("duplexproxy: hijack failed", zap.Error(err))
		}
		return
	}
	defer conn.Close()

	fmt.Fprintf(bufrw, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	for k, vals := range resp.Header {
		for _, v := range vals {
			fmt.Fprintf(bufrw, "%s: %s\r\n", k, v)
		}
	}
	io.WriteString(bufrw, "\r\n")
	if err := bufrw.Flush(); err != nil {
		return
	}

	// Body bytes go straight to the raw conn, bypassing bufrw's write
	// buffer, so each upstream chunk reaches the client immediately
	// instead of waiting to fill a buffer, preserving the blank-line
	// frame boundaries SSE depends on.
	upstreamDone := make(chan struct{})
	go func() {
		io.Copy(conn, resp.Body)
		close(upstreamDone)
	}()

	// The downstream body is discarded; SSE is unidirectional at this
	// layer. Reading it to EOF is how we detect the client closing its
	// end of the connection.
	downstreamDone := make(chan struct{})
	go func() {
		io.Copy(io.Discard, bufrw)
		close(downstreamDone)
	}()

	select {
	case <-upstreamDone:
	case <-downstreamDone:
	case <-ctx.Done():
	}
	cancel()
	conn.Close()
	resp.Body.Close()
}

// proxyPost forwards the POST verbatim via a lazily-created
// httputil.ReverseProxy.
func (p *Proxy) proxyPost(w http.ResponseWriter, r *http.Request) {
	p.rpMu.Lock()
	if p.reverseProxy == nil {
		target := *p.upstream
		p.reverseProxy = httputil.NewSingleHostReverseProxy(&target)
		p.reverseProxy.Transport = &http.Transport{
			DialContext: (&net.Dialer{Timeout: p.dialTimeout}).DialContext,
		}
		if p.logger != nil {
			if stdlog, err := zap.NewStdLogAt(p.logger, zapcore.WarnLevel); err == nil {
				p.reverseProxy.ErrorLog = stdlog
			}
		}
	}
	rp := p.reverseProxy
	p.rpMu.Unlock()

	rp.ServeHTTP(w, r)
}
