package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// startMockUpstreamServer simulates an Ollama server for local testing.
func startMockUpstreamServer(addr string, logger *slog.Logger) {
	if err := http.ListenAndServe(addr, newMockUpstream()); err != nil {
		logger.Error("Mock upstream failed", "error", err)
	}
}

func newMockUpstream() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", mockGeneration("message"))
	mux.HandleFunc("/api/generate", mockGeneration("response"))
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"models":[{"name":"mock:latest","model":"mock:latest","size":1024}]}`)
	})
	return mux
}

// mockGeneration answers with NDJSON frames, or one object when stream is false.
// field selects the chat ("message") or generate ("response") payload shape.
func mockGeneration(field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Stream *bool  `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "" {
			req.Model = "mock"
		}

		words := []string{"Hello", "!", " This", " is", " a", " simulated", " response."}
		content := func(s string) any {
			if field == "message" {
				return map[string]string{"role": "assistant", "content": s}
			}
			return s
		}
		final := map[string]any{
			"model":                req.Model,
			field:                  content(""),
			"done":                 true,
			"total_duration":       int64(800 * time.Millisecond),
			"load_duration":        int64(50 * time.Millisecond),
			"prompt_eval_count":    12,
			"prompt_eval_duration": int64(100 * time.Millisecond),
			"eval_count":           len(words),
			"eval_duration":        int64(700 * time.Millisecond),
		}

		w.Header().Set("Content-Type", "application/json")
		if req.Stream != nil && !*req.Stream {
			final[field] = content("Hello! This is a simulated response.")
			_ = json.NewEncoder(w).Encode(final)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		for _, word := range words {
			_ = enc.Encode(map[string]any{"model": req.Model, field: content(word), "done": false})
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(100 * time.Millisecond)
		}
		_ = enc.Encode(final)
	}
}
