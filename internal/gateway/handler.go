package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ollama-metrics-proxy/internal/metrics"
	"ollama-metrics-proxy/internal/observability"
	"ollama-metrics-proxy/internal/ollama"
	"ollama-metrics-proxy/internal/usage"
)

// Hop-by-hop headers are meaningful only for a single connection and are
// never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Instrumented requests are re-emitted as JSON and must come back uncompressed
// so the scanner can read them; the transport negotiates and decodes gzip itself.
var (
	passthroughStrip  = []string{"Host", "Content-Length"}
	instrumentedStrip = []string{"Host", "Content-Length", "Content-Type", "Accept-Encoding"}
)

// ProxyHandler forwards requests to the Ollama server and records metrics for
// the generation endpoints.
type ProxyHandler struct {
	upstreamURL *url.URL
	client      *http.Client
	timeout     time.Duration
	metrics     *metrics.Registry
	logger      *slog.Logger

	usageMu     sync.RWMutex
	usageChan   chan<- usage.Record // Buffered channel for asynchronous usage accounting
	usageClosed bool
}

// NewProxyHandler initializes the proxy. usageChan may be nil to disable the
// usage ledger.
func NewProxyHandler(upstream *url.URL, timeout time.Duration, reg *metrics.Registry, usageChan chan<- usage.Record, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		upstreamURL: upstream,
		client:      newUpstreamClient(timeout),
		timeout:     timeout,
		metrics:     reg,
		usageChan:   usageChan,
		logger:      logger,
	}
}

// ServeInstrumented proxies a chat or generate call and extracts the
// response statistics.
func (h *ProxyHandler) ServeInstrumented(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	req := ollama.ParseRequest(body)
	h.metrics.IncRequest(req.Model)

	ctx, deadline, cancel := withIdleDeadline(r.Context(), h.timeout)
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, h.target(r.URL), bytes.NewReader(body))
	if err != nil {
		http.Error(w, "Error creating upstream request", http.StatusInternalServerError)
		return
	}
	copyHeader(upstreamReq.Header, r.Header, instrumentedStrip)
	upstreamReq.Header.Set("Content-Type", "application/json")
	setRequestID(upstreamReq)

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		h.upstreamFailed(w, r, err, deadline)
		return
	}
	defer resp.Body.Close()

	src := deadline.Reader(resp.Body)
	if req.Stream {
		h.relayStream(w, r, resp, src, req.Model)
		return
	}
	h.relayUnary(w, r, resp, src, req.Model)
}

func (h *ProxyHandler) relayUnary(w http.ResponseWriter, r *http.Request, resp *http.Response, src io.Reader, model string) {
	data, err := io.ReadAll(src)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.logger.Warn("Failed to read upstream response",
			"request_id", observability.GetRequestID(r.Context()), "model", model, "error", err)
		h.metrics.IncError(metrics.ErrorUpstream)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	if resp.StatusCode == http.StatusOK {
		if stats, err := ollama.ParseStats(data); err == nil {
			h.record(model, stats)
		}
	}

	copyResponseHeader(w, resp)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("Failed to write response body to client", "error", err)
	}
}

func (h *ProxyHandler) relayStream(w http.ResponseWriter, r *http.Request, resp *http.Response, src io.Reader, model string) {
	copyResponseHeader(w, resp)
	w.WriteHeader(resp.StatusCode)

	// Only successful responses are inspected.
	var tap io.Writer
	var scanner *FrameScanner
	if resp.StatusCode == http.StatusOK {
		scanner = NewFrameScanner()
		tap = scanner
	}

	if _, err := relay(w, src, tap); err != nil {
		// A partially scanned stream is never recorded.
		h.logger.Warn("Stream aborted",
			"request_id", observability.GetRequestID(r.Context()),
			"model", model,
			"client_gone", errors.Is(err, errClientWrite) || r.Context().Err() != nil,
			"error", err,
		)
		return
	}

	if scanner == nil {
		return
	}
	if stats, ok := scanner.Close(); ok {
		h.record(model, stats)
	}
}

// ServePassthrough forwards any other request verbatim, streaming both bodies.
func (h *ProxyHandler) ServePassthrough(w http.ResponseWriter, r *http.Request) {
	ctx, deadline, cancel := withIdleDeadline(r.Context(), h.timeout)
	defer cancel()

	var body io.Reader = http.NoBody
	if r.ContentLength != 0 {
		body = deadline.Reader(r.Body)
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, h.target(r.URL), body)
	if err != nil {
		http.Error(w, "Error creating upstream request", http.StatusInternalServerError)
		return
	}
	if r.ContentLength > 0 {
		upstreamReq.ContentLength = r.ContentLength
	}
	copyHeader(upstreamReq.Header, r.Header, passthroughStrip)
	setRequestID(upstreamReq)

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		h.upstreamFailed(w, r, err, deadline)
		return
	}
	defer resp.Body.Close()

	copyResponseHeader(w, resp)
	w.WriteHeader(resp.StatusCode)
	if _, err := relay(w, deadline.Reader(resp.Body), nil); err != nil {
		h.logger.Warn("Passthrough response aborted",
			"request_id", observability.GetRequestID(r.Context()), "path", r.URL.Path, "error", err)
	}
}

// record feeds one terminal response into the registry and the usage ledger.
func (h *ProxyHandler) record(model string, stats ollama.Stats) {
	h.metrics.Record(model, stats)

	if h.usageChan == nil {
		return
	}
	rec := usage.Record{
		Model:           model,
		PromptTokens:    int64(stats.PromptEvalCount),
		GeneratedTokens: int64(stats.EvalCount),
	}

	h.usageMu.RLock()
	defer h.usageMu.RUnlock()
	if h.usageClosed {
		h.metrics.IncError(metrics.ErrorUsageDropped)
		h.logger.Warn("Usage channel closed, dropping record", "model", model)
		return
	}
	// Never block the response on accounting.
	select {
	case h.usageChan <- rec:
	default:
		h.metrics.IncError(metrics.ErrorUsageDropped)
		h.logger.Warn("Usage channel full, dropping record", "model", model)
	}
}

// CloseUsage closes the usage channel so its consumer can drain and exit.
// Responses that finish afterwards still record metrics but their usage is
// dropped. It is safe to call more than once and while requests are in flight.
func (h *ProxyHandler) CloseUsage() {
	h.usageMu.Lock()
	defer h.usageMu.Unlock()
	if h.usageClosed || h.usageChan == nil {
		return
	}
	h.usageClosed = true
	close(h.usageChan)
}

func (h *ProxyHandler) upstreamFailed(w http.ResponseWriter, r *http.Request, err error, deadline *idleDeadline) {
	if errors.Is(r.Context().Err(), context.Canceled) {
		// Caller disconnected before the upstream answered.
		return
	}

	h.metrics.IncError(metrics.ErrorUpstream)
	h.logger.Error("Upstream request failed",
		"request_id", observability.GetRequestID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)

	var netErr net.Error
	if deadline.Expired() || (errors.As(err, &netErr) && netErr.Timeout()) {
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
		return
	}
	http.Error(w, "Bad Gateway", http.StatusBadGateway)
}

// target maps an inbound URL onto the upstream base, keeping path and query.
func (h *ProxyHandler) target(in *url.URL) string {
	out := *h.upstreamURL
	out.Path = strings.TrimRight(out.Path, "/") + in.Path
	out.RawPath = ""
	out.RawQuery = in.RawQuery
	return out.String()
}

// setRequestID forwards the correlation id, generated or not, to the upstream.
func setRequestID(req *http.Request) {
	if id := observability.GetRequestID(req.Context()); id != "" {
		req.Header.Set(observability.RequestIDHeader, id)
	}
}

// copyResponseHeader relays the upstream response headers. An absent
// Content-Type stays absent instead of being sniffed by net/http.
func copyResponseHeader(w http.ResponseWriter, resp *http.Response) {
	copyHeader(w.Header(), resp.Header, nil)
	if _, ok := resp.Header["Content-Type"]; !ok {
		w.Header()["Content-Type"] = nil
	}
}

// copyHeader copies src into dst, dropping hop-by-hop headers and strip.
func copyHeader(dst, src http.Header, strip []string) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		dst.Del(k)
	}
	for _, k := range strip {
		dst.Del(k)
	}
}
