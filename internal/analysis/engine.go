package analysis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lexflow/lexflow/internal/dispatch"
	"github.com/lexflow/lexflow/internal/job"
)

// Built-in job types, all executed by the external analysis engine.
const (
	TypeSwissObligation = "swiss-obligation-analysis"
	TypeDataProtection  = "data-protection-review"
	TypeContractRisk    = "contract-risk-scan"
)

// Types returns every job type the engine executes.
func Types() []string {
	return []string{TypeSwissObligation, TypeDataProtection, TypeContractRisk}
}

const (
	defaultTimeout = 10 * time.Minute
	// maxResultBytes caps the final result; the engine occasionally echoes
	// whole documents back when misconfigured.
	maxResultBytes = 1 << 20
)

// Engine bridges jobs to the document-analysis service. It posts the job
// payload and consumes the newline-delimited JSON stream the service answers
// with: progress lines carrying stage and percent, terminated by a result or
// error line.
type Engine struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // per-job cap, default 10 min
}

func New(cfg Config) *Engine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Engine{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		// No client-level timeout: it would cut long-running streams. The
		// per-job context carries the deadline instead.
		client: &http.Client{},
	}
}

// Register binds every built-in job type to this engine.
func (e *Engine) Register(reg *dispatch.Registry) {
	for _, t := range Types() {
		reg.Register(t, e.Handler(t))
	}
}

// Handler returns the dispatch handler running jobs of one type on the engine.
func (e *Engine) Handler(jobType string) dispatch.HandlerFunc {
	return func(ctx context.Context, j *job.Job, report dispatch.ProgressFunc) (json.RawMessage, error) {
		return e.run(ctx, jobType, j, report)
	}
}

type analysisRequest struct {
	Type    string          `json:"type"`
	JobID   string          `json:"job_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e *Engine) run(ctx context.Context, jobType string, j *job.Job, report dispatch.ProgressFunc) (json.RawMessage, error) {
	body, err := json.Marshal(analysisRequest{Type: jobType, JobID: j.ID, Payload: j.Payload})
	if err != nil {
		return nil, fmt.Errorf("encode engine request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/analyses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("call engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var final json.RawMessage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResultBytes+4096)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		line, ok := parseLine(raw)
		if !ok {
			continue
		}
		if line.Error != "" {
			return nil, fmt.Errorf("engine: %s", line.Error)
		}
		if len(line.Result) > 0 {
			final = line.Result
			break
		}
		percent := 0
		if line.Percent != nil {
			percent = *line.Percent
		}
		report(percent, line.Stage)
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read engine stream: %w", err)
	}
	if final == nil {
		return nil, fmt.Errorf("engine stream ended without a result")
	}
	if len(final) > maxResultBytes {
		return nil, fmt.Errorf("engine result too large: %d bytes", len(final))
	}
	return final, nil
}

type streamLine struct {
	Stage   string          `json:"stage"`
	Percent *int            `json:"percent"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

// parseLine decodes one stream line. Unparseable lines are skipped rather
// than failing the job; the terminating result or error line is what counts.
func parseLine(raw []byte) (streamLine, bool) {
	var line streamLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return streamLine{}, false
	}
	if string(line.Result) == "null" {
		line.Result = nil
	}
	return line, true
}
