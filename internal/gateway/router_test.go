package gateway_test

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"ollama-metrics-proxy/internal/usage"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tagsBody = `{"models":[{"name":"llama3:latest","size":4661224676}]}`

func TestRouter_PassthroughTags(t *testing.T) {
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("X-Ollama-Version", "0.1.32")
		_, _ = w.Write([]byte(tagsBody))
	})

	resp, err := http.Get(p.url("/api/tags"))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, tagsBody, string(data))
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "0.1.32", resp.Header.Get("X-Ollama-Version"))

	assert.Equal(t, 0, testutil.CollectAndCount(p.metrics.RequestCount))
	assert.True(t, recordedNothing(p.metrics))
}

func TestRouter_PassthroughVerbatim(t *testing.T) {
	reqBody := `{"name":"llama3"}`

	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/delete", r.URL.Path)
		assert.Equal(t, "force=1", r.URL.RawQuery)
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"), "content type is kept on passthrough")
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))

		got, _ := io.ReadAll(r.Body)
		assert.Equal(t, reqBody, string(got))

		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	})

	req, err := http.NewRequest(http.MethodDelete, p.url("/api/delete?force=1"), strings.NewReader(reqBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Set("Proxy-Authorization", "Basic xyz")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, `{"error":"model not found"}`, string(data))
}

func TestRouter_PassthroughStreams(t *testing.T) {
	progress := `{"status":"pulling manifest"}` + "\n" + `{"status":"success"}` + "\n"
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		for _, line := range strings.SplitAfter(progress, "\n") {
			_, _ = w.Write([]byte(line))
			w.(http.Flusher).Flush()
		}
	})

	resp, data := post(t, p.url("/api/pull"), `{"name":"llama3","stream":true}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, progress, string(data))
	assert.Equal(t, 0, testutil.CollectAndCount(p.metrics.RequestCount))
}

func TestRouter_WrongMethodOnInstrumentedPathIsPassedThrough(t *testing.T) {
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/chat", r.URL.Path)
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	resp, err := http.Get(p.url("/api/chat"))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, 0, testutil.CollectAndCount(p.metrics.RequestCount))
}

func TestRouter_UpstreamHeadersUnchanged(t *testing.T) {
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "trace-42", r.Header.Get("X-Request-ID"), "caller id is forwarded")
		w.Header().Set("X-Request-ID", "upstream-1")
		_, _ = w.Write([]byte(tagsBody))
	})

	req, err := http.NewRequest(http.MethodGet, p.url("/api/tags"), nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "trace-42")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{"upstream-1"}, resp.Header.Values("X-Request-ID"))
}

func TestRouter_GeneratedRequestIDOnlyGoesUpstream(t *testing.T) {
	ids := make(chan string, 1)
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		ids <- r.Header.Get("X-Request-ID")
		_, _ = w.Write([]byte(fullStats))
	})

	resp, _ := post(t, p.url("/api/chat"), `{"model":"llama3","stream":false}`)

	forwarded := <-ids
	_, err := uuid.Parse(forwarded)
	assert.NoError(t, err, "upstream got %q", forwarded)
	assert.Empty(t, resp.Header.Values("X-Request-ID"))
}

func TestRouter_PassthroughKeepsMissingContentType(t *testing.T) {
	body := "<html><body>ollama is running</body></html>"
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte(body))
	})

	resp, err := http.Get(p.url("/"))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	assert.Equal(t, body, string(data))
	_, ok := resp.Header["Content-Type"]
	assert.False(t, ok, "got Content-Type %q", resp.Header.Get("Content-Type"))
}

func TestRouter_MetricsExposition(t *testing.T) {
	chunk1 := `{"done":false,"response":"a"}` + "\n"
	chunk2 := `{"done":true,"eval_count":10,"eval_duration":2000000000}` + "\n"
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chunk1))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte(chunk2))
	})

	post(t, p.url("/api/chat"), `{"model":"llama3","stream":true}`)

	resp, err := http.Get(p.url("/metrics"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"), resp.Header.Get("Content-Type"))

	expected := `
# HELP ollama_requests_total Total chat requests
# TYPE ollama_requests_total counter
ollama_requests_total{model="llama3"} 1
# HELP ollama_tokens_generated_total Number of tokens in the response
# TYPE ollama_tokens_generated_total counter
ollama_tokens_generated_total{model="llama3"} 10
# HELP ollama_tokens_per_second Tokens generated per second
# TYPE ollama_tokens_per_second histogram
ollama_tokens_per_second_bucket{model="llama3",le="0.005"} 0
ollama_tokens_per_second_bucket{model="llama3",le="0.01"} 0
ollama_tokens_per_second_bucket{model="llama3",le="0.025"} 0
ollama_tokens_per_second_bucket{model="llama3",le="0.05"} 0
ollama_tokens_per_second_bucket{model="llama3",le="0.1"} 0
ollama_tokens_per_second_bucket{model="llama3",le="0.25"} 0
ollama_tokens_per_second_bucket{model="llama3",le="0.5"} 0
ollama_tokens_per_second_bucket{model="llama3",le="1"} 0
ollama_tokens_per_second_bucket{model="llama3",le="2.5"} 0
ollama_tokens_per_second_bucket{model="llama3",le="5"} 1
ollama_tokens_per_second_bucket{model="llama3",le="10"} 1
ollama_tokens_per_second_bucket{model="llama3",le="+Inf"} 1
ollama_tokens_per_second_sum{model="llama3"} 5
ollama_tokens_per_second_count{model="llama3"} 1
# HELP ollama_eval_duration_seconds Time spent generating the response
# TYPE ollama_eval_duration_seconds histogram
ollama_eval_duration_seconds_bucket{model="llama3",le="0.005"} 0
ollama_eval_duration_seconds_bucket{model="llama3",le="0.01"} 0
ollama_eval_duration_seconds_bucket{model="llama3",le="0.025"} 0
ollama_eval_duration_seconds_bucket{model="llama3",le="0.05"} 0
ollama_eval_duration_seconds_bucket{model="llama3",le="0.1"} 0
ollama_eval_duration_seconds_bucket{model="llama3",le="0.25"} 0
ollama_eval_duration_seconds_bucket{model="llama3",le="0.5"} 0
ollama_eval_duration_seconds_bucket{model="llama3",le="1"} 0
ollama_eval_duration_seconds_bucket{model="llama3",le="2.5"} 1
ollama_eval_duration_seconds_bucket{model="llama3",le="5"} 1
ollama_eval_duration_seconds_bucket{model="llama3",le="10"} 1
ollama_eval_duration_seconds_bucket{model="llama3",le="+Inf"} 1
ollama_eval_duration_seconds_sum{model="llama3"} 2
ollama_eval_duration_seconds_count{model="llama3"} 1
`
	err = testutil.ScrapeAndCompare(p.url("/metrics"), strings.NewReader(expected),
		"ollama_requests_total",
		"ollama_tokens_generated_total",
		"ollama_tokens_per_second",
		"ollama_eval_duration_seconds",
	)
	assert.NoError(t, err)
}

func TestRouter_UsageLedger(t *testing.T) {
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(fullStats))
	})
	go usage.NewProcessor(p.store, discardLogger(), nil, "usage_write").Run(p.usage)
	t.Cleanup(p.handler.CloseUsage)

	post(t, p.url("/api/chat"), `{"model":"library/llama3:8b","stream":false}`)
	post(t, p.url("/api/chat"), `{"model":"library/llama3:8b","stream":false}`)

	want := usage.Usage{Model: "library/llama3:8b", Requests: 2, PromptTokens: 52, GeneratedTokens: 20}
	require.Eventually(t, func() bool {
		var got usage.Usage
		resp, err := http.Get(p.url("/proxy/usage/library/llama3:8b"))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&got) == nil && got == want
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(p.url("/proxy/usage"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var list struct {
		Models []usage.Usage `json:"models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, []usage.Usage{want}, list.Models)
}

func TestRouter_UsageRequiresModel(t *testing.T) {
	p := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("usage routes must not reach the upstream")
	})

	resp, err := http.Get(p.url("/proxy/usage/"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
