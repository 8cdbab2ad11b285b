package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lectorlabs/lector/format"
	"github.com/lectorlabs/lector/interrogate"
)

// handleCrawl serves one formatted page per the X- headers.
func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	pageURL := param(r, "url")
	if err := s.validatePageURL(pageURL); err != nil {
		writeError(w, KindInvalidArgument, err.Error())
		return
	}

	req, err := crawlRequestFromHeaders(r, pageURL)
	if err != nil {
		writeError(w, KindInvalidArgument, err.Error())
		return
	}

	page, err := s.cachedCrawl(r, req)
	if err != nil {
		kind := classifyError(err)
		s.logger.Error("crawl failed", "url", pageURL, "error", err)
		writeError(w, kind, err.Error())
		return
	}

	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, page.String())
}

// handleInterrogate crawls a page and asks the model one question about
// it. Accept: text/event-stream streams the full event vocabulary;
// anything else returns the final answer as text/plain.
func (s *Server) handleInterrogate(w http.ResponseWriter, r *http.Request) {
	pageURL := param(r, "url")
	if err := s.validatePageURL(pageURL); err != nil {
		writeError(w, KindInvalidArgument, err.Error())
		return
	}

	question := param(r, "question")
	if strings.TrimSpace(question) == "" {
		writeError(w, KindInvalidArgument, "question is required")
		return
	}
	modelCfg := s.config().Model
	if maxQ := modelCfg.MaxQuestionTokens; maxQ > 0 && interrogate.EstimateTokens(question) > maxQ {
		writeError(w, KindInvalidArgument, fmt.Sprintf("question exceeds %d tokens", maxQ))
		return
	}

	model := param(r, "model")
	if model == "" {
		model = modelCfg.Default
	}
	expandImages, _ := strconv.ParseBool(param(r, "expandImages"))

	req, err := crawlRequestFromHeaders(r, pageURL)
	if err != nil {
		writeError(w, KindInvalidArgument, err.Error())
		return
	}
	page, err := s.cachedCrawl(r, req)
	if err != nil {
		s.logger.Error("interrogate crawl failed", "url", pageURL, "error", err)
		writeError(w, classifyError(err), err.Error())
		return
	}

	content := page.String()
	if expandImages {
		// Text-only transport: inline assets collapse back to their
		// markdown tokens.
		content = format.TextOnly(format.ExpandMarkdown(content, nil))
	}

	chatReq := interrogate.Request{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You answer questions about the web page the user provides. Answer directly and concisely, with no preamble.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("%s\n\nQuestion: %s", content, question),
			},
		},
		MaxAdditionalTurns: interrogate.DefaultAdditionalTurns,
		MaxTokens:          modelCfg.MaxTokens,
		WindowTokens:       modelCfg.WindowTokens,
	}

	eventsCh, err := s.interrogator.Chat(r.Context(), chatReq)
	if err != nil {
		writeError(w, KindInvalidArgument, err.Error())
		return
	}

	if wantsEventStream(r) {
		s.streamEvents(w, eventsCh)
	} else {
		s.plainAnswer(w, eventsCh)
	}
	s.publisher.InterrogateCompleted(pageURL, model)
}

// plainAnswer drains the event stream and writes the final assistant
// text.
func (s *Server) plainAnswer(w http.ResponseWriter, eventsCh <-chan interrogate.Event) {
	var answer string
	var failure error
	for e := range eventsCh {
		switch e.Kind {
		case interrogate.EventHistory:
			for i := len(e.History) - 1; i >= 0; i-- {
				if e.History[i].Role == openai.ChatMessageRoleAssistant {
					answer = e.History[i].Content
					break
				}
			}
		case interrogate.EventError:
			failure = e.Err
		}
	}
	if failure != nil {
		writeError(w, KindUpstreamModelFailure, failure.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s\n", answer)
}

// streamEvents forwards interrogation events as SSE frames.
func (s *Server) streamEvents(w http.ResponseWriter, eventsCh <-chan interrogate.Event) {
	stream := newSSEStream(w)
	if stream == nil {
		s.plainAnswer(w, eventsCh)
		return
	}
	for e := range eventsCh {
		writeEventFrame(stream, e)
	}
}

// writeEventFrame maps one interrogation event to an SSE frame.
func writeEventFrame(stream *sseStream, e interrogate.Event) {
	switch e.Kind {
	case interrogate.EventChunk, interrogate.EventN1, interrogate.EventN2, interrogate.EventReturn:
		stream.event(string(e.Kind), map[string]string{"text": e.Text})
	case interrogate.EventSnapshot, interrogate.EventStructured:
		stream.event(string(e.Kind), e.Value)
	case interrogate.EventCall:
		stream.event(string(e.Kind), e.Call)
	case interrogate.EventInjectHistory:
		stream.event(string(e.Kind), e.Message)
	case interrogate.EventHistory:
		stream.event(string(e.Kind), e.History)
	case interrogate.EventError:
		stream.event(string(e.Kind), Envelope{Code: KindUpstreamModelFailure, Message: e.Err.Error()})
	}
}

// chatCompletionsRequest is the accepted body of /v1/chat/completions.
// TopK is accepted for wire compatibility but not forwarded; the
// upstream chat-completions schema has no top_k.
type chatCompletionsRequest struct {
	Model              string                         `json:"model"`
	System             string                         `json:"system"`
	Messages           []openai.ChatCompletionMessage `json:"messages"`
	MaxTokens          int                            `json:"max_tokens"`
	Temperature        float32                        `json:"temperature"`
	TopP               float32                        `json:"top_p"`
	TopK               int                            `json:"top_k"`
	Stop               []string                       `json:"stop"`
	Seed               *int                           `json:"seed"`
	Stream             bool                           `json:"stream"`
	Functions          []openai.FunctionDefinition    `json:"functions"`
	FunctionCall       json.RawMessage                `json:"function_call"`
	MaxAdditionalTurns *int                           `json:"maxAdditionalTurns"`
	SoftwareFC         bool                           `json:"softwareFC"`
}

// parseFunctionCall reads the OpenAI function_call field: "none"
// disables tools, "auto" leaves the choice to the model, {"name": X}
// pins tool X.
func parseFunctionCall(raw json.RawMessage) (pinned string, disable bool, err error) {
	if len(raw) == 0 {
		return "", false, nil
	}

	var mode string
	if json.Unmarshal(raw, &mode) == nil {
		switch mode {
		case "none":
			return "", true, nil
		case "auto", "":
			return "", false, nil
		default:
			return "", false, fmt.Errorf("unknown function_call mode %q", mode)
		}
	}

	var named struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || named.Name == "" {
		return "", false, fmt.Errorf("function_call must be \"none\", \"auto\" or {\"name\": ...}")
	}
	return named.Name, false, nil
}

// handleChatWithReader runs the interrogation loop over a caller-shaped
// conversation and streams an OpenAI-style completion augmented with the
// loop's event vocabulary.
func (s *Server) handleChatWithReader(w http.ResponseWriter, r *http.Request) {
	var body chatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, KindInvalidArgument, fmt.Sprintf("decode body: %v", err))
		return
	}

	modelCfg := s.config().Model
	model := body.Model
	if model == "" {
		model = modelCfg.Default
	}
	turns := interrogate.DefaultAdditionalTurns
	if body.MaxAdditionalTurns != nil {
		turns = *body.MaxAdditionalTurns
	}
	if turns < 0 || turns > interrogate.MaxAdditionalTurnsLimit {
		writeError(w, KindInvalidArgument, fmt.Sprintf("maxAdditionalTurns out of range 0..%d", interrogate.MaxAdditionalTurnsLimit))
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, KindInvalidArgument, "messages are required")
		return
	}

	pinned, disableTools, err := parseFunctionCall(body.FunctionCall)
	if err != nil {
		writeError(w, KindInvalidArgument, err.Error())
		return
	}

	messages := body.Messages
	if body.System != "" {
		messages = append([]openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: body.System,
		}}, messages...)
	}

	maxTokens := body.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	eventsCh, err := s.interrogator.Chat(r.Context(), interrogate.Request{
		Model:              model,
		Messages:           messages,
		MaxAdditionalTurns: turns,
		MaxTokens:          maxTokens,
		Temperature:        body.Temperature,
		TopP:               body.TopP,
		Stop:               body.Stop,
		Seed:               body.Seed,
		Functions:          body.Functions,
		PinnedTool:         pinned,
		DisableTools:       disableTools,
		WindowTokens:       modelCfg.WindowTokens,
		SoftwareFC:         body.SoftwareFC,
	})
	if err != nil {
		writeError(w, KindInvalidArgument, err.Error())
		return
	}

	stream := newSSEStream(w)
	if stream == nil {
		writeError(w, KindInternal, "response does not support streaming")
		return
	}

	completionID := fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	for e := range eventsCh {
		if e.Kind == interrogate.EventChunk {
			stream.raw("", chatChunkJSON(completionID, model, e.Text))
			continue
		}
		writeEventFrame(stream, e)
	}
	stream.raw("", "[DONE]")
}

// chatChunkJSON renders one OpenAI-compatible completion chunk.
func chatChunkJSON(id, model, text string) string {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{
			map[string]any{
				"index": 0,
				"delta": map[string]string{"content": text},
			},
		},
	}
	data, _ := json.Marshal(chunk)
	return string(data)
}

// handleCrunch runs the exporter now, streaming one frame per uploaded
// file between start and end sentinels.
func (s *Server) handleCrunch(w http.ResponseWriter, r *http.Request) {
	if s.cruncher == nil {
		writeError(w, KindInternal, "cruncher not configured")
		return
	}

	stream := newSSEStream(w)
	if stream == nil {
		writeError(w, KindInternal, "response does not support streaming")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), crunchTimeout)
	defer cancel()

	stream.raw("start", "crunch")
	err := s.cruncher.Run(ctx, time.Now(), func(name string) {
		s.metrics.CrunchFiles.Inc()
		s.publisher.CrunchFileWritten(name)
		stream.raw("", name)
	})
	if err != nil {
		s.logger.Error("crunch run failed", "error", err)
		stream.event("error", Envelope{Code: KindStorageFailure, Message: err.Error()})
		return
	}
	stream.raw("end", "crunch")
}

// wantsEventStream checks the Accept header for text/event-stream.
func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// wantsJSON checks the Accept header for application/json.
func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
