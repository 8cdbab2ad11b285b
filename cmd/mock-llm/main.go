// Package main implements a mock model server for development and e2e
// testing. It serves OpenAI-compatible streaming /v1/chat/completions
// responses from fixture files, routing by the "model" field, so lector
// can be exercised without a real LLM endpoint: fast, deterministic and
// offline.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// A fixture file is named after its model ("mock-reader.txt" answers
// model "mock-reader") and its content is streamed back as the
// assistant message in small chunks. Numbered fixtures
// ("mock-reader.1.txt", "mock-reader.2.txt") are served in order per
// call, which is how tool-call loops are scripted: turn one returns the
// USE_TOOLS envelope, turn two the plain answer. After the numbered
// fixtures run out the last one repeats.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// chunkSize is how many bytes of fixture text go into each SSE chunk.
// Small enough that incremental parsing downstream sees partial JSON.
const chunkSize = 24

type server struct {
	fixtures map[string][]string

	mu    sync.Mutex
	calls map[string]int
}

func newServer(fixtures map[string][]string) *server {
	return &server{fixtures: fixtures, calls: make(map[string]int)}
}

// pick returns the fixture for this model's next call: numbered
// fixtures in order, then the last one repeating.
func (s *server) pick(model string) (string, bool) {
	seq, ok := s.fixtures[model]
	if !ok || len(seq) == 0 {
		return "", false
	}
	s.mu.Lock()
	n := s.calls[model]
	s.calls[model] = n + 1
	s.mu.Unlock()
	if n >= len(seq) {
		n = len(seq) - 1
	}
	return seq[n], true
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"message":"decode: %v"}}`, err), http.StatusBadRequest)
		return
	}

	body, ok := s.pick(req.Model)
	if !ok {
		http.Error(w, fmt.Sprintf(`{"error":{"message":"no fixture for model %q"}}`, req.Model), http.StatusNotFound)
		return
	}
	log.Printf("serving model=%s bytes=%d stream=%v", req.Model, len(body), req.Stream)

	if !req.Stream {
		writeCompletion(w, req.Model, body)
		return
	}
	streamCompletion(w, req.Model, body)
}

func writeCompletion(w http.ResponseWriter, model, body string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      completionID(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": body},
			"finish_reason": "stop",
		}},
	})
}

func streamCompletion(w http.ResponseWriter, model, body string) {
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	id := completionID()
	for off := 0; off < len(body); off += chunkSize {
		end := off + chunkSize
		if end > len(body) {
			end = len(body)
		}
		writeChunk(w, id, model, map[string]string{"content": body[off:end]}, "")
		f.Flush()
	}
	writeChunk(w, id, model, map[string]string{}, "stop")
	fmt.Fprint(w, "data: [DONE]\n\n")
	f.Flush()
}

func writeChunk(w http.ResponseWriter, id, model string, delta map[string]string, finish string) {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": nilIfEmpty(finish),
		}},
	}
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func completionID() string {
	return fmt.Sprintf("chatcmpl-mock-%d", time.Now().UnixNano())
}

// numbered matches "model.3.txt" style sequential fixtures.
var numbered = regexp.MustCompile(`^(.+)\.(\d+)$`)

// loadFixtures maps model names onto ordered fixture contents.
func loadFixtures(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type item struct {
		seq  int
		body string
	}
	byModel := make(map[string][]item)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		seq := 0
		if m := numbered.FindStringSubmatch(name); m != nil {
			name = m[1]
			seq, _ = strconv.Atoi(m[2])
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		byModel[name] = append(byModel[name], item{seq: seq, body: string(data)})
	}

	out := make(map[string][]string, len(byModel))
	for model, items := range byModel {
		sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
		for _, it := range items {
			out[model] = append(out[model], it.body)
		}
	}
	return out, nil
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	if *fixtureDir == "" {
		log.Fatal("-fixtures is required")
	}
	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		log.Fatalf("load fixtures: %v", err)
	}
	if len(fixtures) == 0 {
		log.Fatalf("no fixtures found in %s", *fixtureDir)
	}
	for model, seq := range fixtures {
		log.Printf("fixture model=%s turns=%d", model, len(seq))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", newServer(fixtures).handleChat)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock-llm listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
