package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus maps a stored or wire value onto the status enum. Anything
// outside the four canonical values is an error, including legacy spellings
// like "running" or "queued".
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// CanTransition reports whether moving from s to next is legal. Terminal
// states allow no further transitions.
func (s Status) CanTransition(next Status) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

type Job struct {
	ID              string          `json:"job_id"`
	Type            string          `json:"type"`
	OwnerID         string          `json:"owner_id"`
	Status          Status          `json:"status"`
	Progress        int             `json:"progress"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

var typePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// CreateRequest is the payload used to submit a new job. The owner comes from
// the request identity, not the body.
type CreateRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (r *CreateRequest) Validate() error {
	if r.Type == "" {
		return errors.New("type must not be empty")
	}
	if len(r.Type) > 64 {
		return errors.New("type must be at most 64 characters")
	}
	if !typePattern.MatchString(r.Type) {
		return errors.New("type must be a lowercase slug (letters, digits, hyphens)")
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}
