package client

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Kind classifies a terminal notification.
type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
)

// Notification is the terminal outcome of one monitored job. The monitor
// delivers exactly one per job, no matter how many observation paths saw the
// job finish.
type Notification struct {
	Kind    Kind
	Title   string
	Message string
	// Action is an optional route hint a UI can open to show the finished
	// analysis, e.g. "/jobs/{id}".
	Action string
}

// Notifier is the sink terminal outcomes are surfaced through. Notify is
// called from the monitor's own goroutine, so implementations should return
// promptly or hand off to their own worker, and must not call back into the
// Monitor.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to a structured logger. It is the sink of
// last resort when a caller passes a nil Notifier to NewMonitor.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(n Notification) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	if n.Kind == KindFailure {
		log.Warn(n.Title, "message", n.Message, "action", n.Action)
		return
	}
	log.Info(n.Title, "message", n.Message, "action", n.Action)
}

// WriterNotifier prints one human-readable line per notification, for
// terminal consumers like lexwatch.
type WriterNotifier struct {
	W  io.Writer
	mu sync.Mutex
}

func (w *WriterNotifier) Notify(n Notification) {
	w.mu.Lock()
	defer w.mu.Unlock()

	mark := "ok"
	if n.Kind == KindFailure {
		mark = "FAILED"
	}
	fmt.Fprintf(w.W, "[%s] %s: %s\n", mark, n.Title, n.Message)
}

// displayNames maps the built-in job types to the phrases notifications use.
// Unknown types fall back to the raw slug, so the monitor stays usable for
// job types registered after this client was built.
var displayNames = map[string]string{
	"swiss-obligation-analysis": "Swiss obligation analysis",
	"data-protection-review":    "Data protection review",
	"contract-risk-scan":        "Contract risk scan",
}

func displayName(jobType string) string {
	if n, ok := displayNames[jobType]; ok {
		return n
	}
	return jobType
}

func successNotification(tj TrackedJob) Notification {
	msg := displayName(tj.Type) + " finished"
	if doc := tj.Meta["document"]; doc != "" {
		msg = fmt.Sprintf("%s of %q finished", displayName(tj.Type), doc)
	}
	return Notification{
		Kind:    KindSuccess,
		Title:   "Analysis complete",
		Message: msg,
		Action:  "/jobs/" + tj.JobID,
	}
}

// failureNotification carries the job's own error when it recorded one and a
// type-specific default otherwise.
func failureNotification(tj TrackedJob, jobErr string) Notification {
	msg := jobErr
	if msg == "" {
		msg = displayName(tj.Type) + " failed"
	}
	return Notification{
		Kind:    KindFailure,
		Title:   "Analysis failed",
		Message: msg,
		Action:  "/jobs/" + tj.JobID,
	}
}
