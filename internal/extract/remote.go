package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/nidhogg/hippocampus/internal/model"
)

// RemoteExtractor calls an external semantic extraction collaborator over HTTP.
type RemoteExtractor struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewRemoteExtractor creates a collaborator client. Timeouts are applied per
// call by the caller's context.
func NewRemoteExtractor(cfg Config) *RemoteExtractor {
	return &RemoteExtractor{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{},
	}
}

func (e *RemoteExtractor) Name() string { return "remote" }

type extractRequest struct {
	Text   string   `json:"text"`
	Schema []string `json:"schema"`
}

type extractResponse struct {
	Entities  []string `json:"entities"`
	Topics    []string `json:"topics"`
	Sentiment string   `json:"sentiment"`
	Hierarchy struct {
		Level string `json:"level"`
		Goal  string `json:"goal"`
	} `json:"hierarchy"`
}

// StatusError is returned for non-200 collaborator answers.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("extract: collaborator returned status %d: %s", e.Code, e.Body)
}

// Transient reports whether retrying may help.
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Extract sends the record text to the collaborator.
func (e *RemoteExtractor) Extract(ctx context.Context, rec model.RawRecord) (*Extraction, error) {
	body, err := json.Marshal(extractRequest{Text: rec.Content, Schema: Schema})
	if err != nil {
		return nil, fmt.Errorf("extract: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("extract: %w: %w", faults.ErrCollaboratorTimeout, err)
		}
		return nil, fmt.Errorf("extract: send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("extract: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	parsed, err := parseExtractResponse(string(raw))
	if err != nil {
		return nil, err
	}
	return toExtraction(parsed), nil
}

// parseExtractResponse decodes the collaborator body. When the body is not
// plain JSON it tries to recover the outermost object, e.g. from a fenced block.
func parseExtractResponse(content string) (*extractResponse, error) {
	var out extractResponse
	if err := json.Unmarshal([]byte(content), &out); err == nil {
		return &out, nil
	}

	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("extract: no JSON object in response: %w", faults.ErrMalformedResponse)
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("extract: %w: %w", faults.ErrMalformedResponse, err)
	}
	return &out, nil
}

func toExtraction(r *extractResponse) *Extraction {
	level := model.Level(strings.ToLower(r.Hierarchy.Level))
	if !model.ValidLevel(level) {
		level = model.LevelObservation
	}
	rec := model.RawRecord{Sentiment: model.Sentiment(strings.ToLower(r.Sentiment))}
	return &Extraction{
		Entities:  r.Entities,
		Topics:    r.Topics,
		Sentiment: rec.SentimentOrDefault(),
		Level:     level,
		Goal:      normalizeLabel(r.Hierarchy.Goal),
		Source:    "remote",
	}
}
