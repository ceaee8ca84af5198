package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"stenod/internal/store"
)

// Ollama asks a local Ollama server for topic extraction: a GET /api/tags
// health probe followed by a /api/chat completion, falling back to a
// deterministic heuristic when Ollama isn't reachable rather than
// hard-failing the trigger.
type Ollama struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

// NewOllama builds a summarizer targeting the given Ollama server.
func NewOllama(baseURL, model string) *Ollama {
	return &Ollama{
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *Ollama) Summarize(ctx context.Context, sessionID string, segments []store.Segment, previousTopics []store.Topic) ([]store.Topic, error) {
	if len(segments) == 0 {
		return previousTopics, nil
	}

	if !o.ping(ctx) {
		return fallbackTopics(sessionID, segments, previousTopics), nil
	}

	topics, err := o.summarizeWithOllama(ctx, sessionID, segments, previousTopics)
	if err != nil {
		return fallbackTopics(sessionID, segments, previousTopics), nil
	}
	return topics, nil
}

func (o *Ollama) ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type topicJSON struct {
	Title        string `json:"title"`
	Summary      string `json:"summary"`
	SegmentRange [2]int `json:"segment_range"`
}

func (o *Ollama) summarizeWithOllama(ctx context.Context, sessionID string, segments []store.Segment, previousTopics []store.Topic) ([]store.Topic, error) {
	var transcript strings.Builder
	for _, s := range segments {
		fmt.Fprintf(&transcript, "[%d] %s\n", s.SequenceNumber, s.Text)
	}

	systemPrompt := `You extract discussion topics from a transcript. Respond with a JSON array only, no prose, where each element is {"title": string (2-5 words), "summary": string (1-3 sentences), "segment_range": [startSequenceNumber, endSequenceNumber]}. Produce the complete topic list for the whole session, merging with prior topics where relevant.`

	userPrompt := fmt.Sprintf("Previously known topics: %s\n\nTranscript segments:\n%s", joinTitles(previousTopics), transcript.String())

	reqBody := map[string]interface{}{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"stream": false,
		"options": map[string]interface{}{
			"temperature": 0.2,
		},
	}

	body, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrUnavailable, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{Kind: ErrInvalidOutput, Message: err.Error()}
	}
	if result.Error != "" {
		return nil, &Error{Kind: ErrUnavailable, Message: result.Error}
	}

	var parsed []topicJSON
	content := extractJSONArray(result.Message.Content)
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, &Error{Kind: ErrInvalidOutput, Message: err.Error()}
	}

	topics := make([]store.Topic, 0, len(parsed))
	for _, t := range parsed {
		if t.Title == "" || t.SegmentRange[0] > t.SegmentRange[1] {
			continue
		}
		topics = append(topics, store.Topic{
			ID:                uuid.New().String(),
			SessionID:         sessionID,
			Title:             t.Title,
			Summary:           t.Summary,
			SegmentRangeStart: t.SegmentRange[0],
			SegmentRangeEnd:   t.SegmentRange[1],
		})
	}
	if len(topics) == 0 {
		return nil, &Error{Kind: ErrInvalidOutput, Message: "no usable topics parsed"}
	}
	return topics, nil
}

func joinTitles(topics []store.Topic) string {
	titles := make([]string, len(topics))
	for i, t := range topics {
		titles[i] = t.Title
	}
	return strings.Join(titles, ", ")
}

// extractJSONArray trims any leading/trailing prose a model adds around
// the JSON array it was asked to return verbatim.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end < start {
		return "[]"
	}
	return s[start : end+1]
}

// Heuristic is the Summarizer used when LLM topic extraction is disabled:
// it applies the same deterministic heuristic the Ollama path falls back
// to when the server is unreachable.
type Heuristic struct{}

func (Heuristic) Summarize(ctx context.Context, sessionID string, segments []store.Segment, previousTopics []store.Topic) ([]store.Topic, error) {
	return fallbackTopics(sessionID, segments, previousTopics), nil
}

// fallbackTopics is the deterministic heuristic used when Ollama is
// unreachable or returns something unusable: one topic covering the
// entire newly-summarized range, titled from the first handful of words
// and summarized by a bounded word count.
func fallbackTopics(sessionID string, segments []store.Segment, previousTopics []store.Topic) []store.Topic {
	if len(segments) == 0 {
		return previousTopics
	}

	var words []string
	for _, s := range segments {
		words = append(words, strings.Fields(s.Text)...)
	}

	title := "Untitled discussion"
	if len(words) > 0 {
		n := 4
		if len(words) < n {
			n = len(words)
		}
		title = strings.Join(words[:n], " ")
	}

	const maxSummaryWords = 40
	summaryWords := words
	if len(summaryWords) > maxSummaryWords {
		summaryWords = summaryWords[:maxSummaryWords]
	}
	summary := strings.Join(summaryWords, " ")
	if summary == "" {
		summary = "No model configured; segment count only."
	}

	topic := store.Topic{
		ID:                uuid.New().String(),
		SessionID:         sessionID,
		Title:             title,
		Summary:           summary,
		SegmentRangeStart: segments[0].SequenceNumber,
		SegmentRangeEnd:   segments[len(segments)-1].SequenceNumber,
	}
	return append(append([]store.Topic{}, previousTopics...), topic)
}
