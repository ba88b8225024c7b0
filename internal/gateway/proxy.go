package gateway

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kittengrid/agent/internal/registry"
)

var proxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kittengrid_gateway_requests_total",
	Help: "Proxied requests grouped by service and outcome.",
}, []string{"service", "outcome"})

// handleProxy forwards /{service}/... to the service's local port. The
// service prefix is stripped, so a request for /web/users hits the
// backend as /users. Every forwarded request counts as activity.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	rt := s.reg.Lookup(name)
	if rt == nil {
		proxiedRequests.WithLabelValues(name, "unknown").Inc()
		writeError(w, http.StatusNotFound, "unknown service: "+name)
		return
	}

	if state := rt.State(); state != registry.StateRunning {
		proxiedRequests.WithLabelValues(name, "unavailable").Inc()
		writeError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("service %s is %s", name, state))
		return
	}

	rt.TouchActivity(time.Now())
	proxiedRequests.WithLabelValues(name, "forwarded").Inc()

	target := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("127.0.0.1:%d", rt.Spec().Port),
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Warn().Err(err).Str("service", name).Msg("proxy error")
		proxiedRequests.WithLabelValues(name, "backend_error").Inc()
		writeError(w, http.StatusBadGateway, "service unreachable")
	}

	r.URL.Path = stripServicePrefix(r.URL.Path, name)
	r.Body = &activityReader{ReadCloser: r.Body, rt: rt}
	proxy.ServeHTTP(&activityWriter{ResponseWriter: w, rt: rt}, r)
}

// activityWriter refreshes the service's activity timestamp on every
// response batch, so a long-lived stream counts as activity for its
// whole duration rather than only at the initial request.
type activityWriter struct {
	http.ResponseWriter
	rt *registry.Runtime
}

func (w *activityWriter) Write(p []byte) (int, error) {
	w.rt.TouchActivity(time.Now())
	return w.ResponseWriter.Write(p)
}

func (w *activityWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack wraps the raw conn so upgraded connections keep refreshing the
// timestamp in both directions.
func (w *activityWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, err
	}
	return &activityConn{Conn: conn, rt: w.rt}, rw, nil
}

// activityReader counts inbound request-body traffic as activity.
type activityReader struct {
	io.ReadCloser
	rt *registry.Runtime
}

func (r *activityReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		r.rt.TouchActivity(time.Now())
	}
	return n, err
}

type activityConn struct {
	net.Conn
	rt *registry.Runtime
}

func (c *activityConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.rt.TouchActivity(time.Now())
	}
	return n, err
}

func (c *activityConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.rt.TouchActivity(time.Now())
	}
	return n, err
}

func stripServicePrefix(path, service string) string {
	trimmed := strings.TrimPrefix(path, "/"+service)
	if trimmed == "" {
		return "/"
	}
	return trimmed
}
