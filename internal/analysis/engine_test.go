package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/lexflow/lexflow/internal/dispatch"
	"github.com/lexflow/lexflow/internal/job"
)

type progressCall struct {
	percent int
	stage   string
}

func streamServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			fmt.Fprintln(w, line)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_StreamsProgressAndResult(t *testing.T) {
	var gotReq analysisRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/analyses" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprintln(w, `{"stage":"extracting clauses","percent":20}`)
		fmt.Fprintln(w, `{"stage":"checking obligations","percent":60}`)
		fmt.Fprintln(w, `{"result":{"obligations":3}}`)
	}))
	defer srv.Close()

	e := New(Config{BaseURL: srv.URL, APIKey: "test-key"})
	var calls []progressCall
	result, err := e.Handler(TypeSwissObligation)(context.Background(),
		&job.Job{ID: "job-1", Payload: []byte(`{"document_id":"d1"}`)},
		func(percent int, stage string) {
			calls = append(calls, progressCall{percent, stage})
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if string(result) != `{"obligations":3}` {
		t.Errorf("result = %s", result)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReq.Type != TypeSwissObligation || gotReq.JobID != "job-1" {
		t.Errorf("request = %+v", gotReq)
	}
	if string(gotReq.Payload) != `{"document_id":"d1"}` {
		t.Errorf("request payload = %s", gotReq.Payload)
	}

	want := []progressCall{{20, "extracting clauses"}, {60, "checking obligations"}}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("progress calls = %v, want %v", calls, want)
	}
}

func TestRun_ErrorLineFailsJob(t *testing.T) {
	srv := streamServer(t,
		`{"stage":"parsing","percent":10}`,
		`{"error":"document unreadable"}`,
	)

	e := New(Config{BaseURL: srv.URL})
	result, err := e.Handler(TypeContractRisk)(context.Background(), &job.Job{ID: "job-2"}, func(int, string) {})
	if err == nil || !strings.Contains(err.Error(), "document unreadable") {
		t.Errorf("err = %v, want engine error", err)
	}
	if result != nil {
		t.Errorf("result = %s, want nil", result)
	}
}

func TestRun_EngineErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance window", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := New(Config{BaseURL: srv.URL})
	_, err := e.Handler(TypeDataProtection)(context.Background(), &job.Job{ID: "job-3"}, func(int, string) {})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v, want status error", err)
	}
	if err != nil && !strings.Contains(err.Error(), "maintenance window") {
		t.Errorf("err = %v, want body detail", err)
	}
}

func TestRun_StreamWithoutResult(t *testing.T) {
	srv := streamServer(t, `{"stage":"parsing","percent":10}`)

	e := New(Config{BaseURL: srv.URL})
	_, err := e.Handler(TypeContractRisk)(context.Background(), &job.Job{ID: "job-4"}, func(int, string) {})
	if err == nil || !strings.Contains(err.Error(), "without a result") {
		t.Errorf("err = %v, want missing-result error", err)
	}
}

func TestRun_SkipsMalformedLines(t *testing.T) {
	srv := streamServer(t,
		`not json at all`,
		`{"stage":"parsing","percent":10}`,
		``,
		`{"result":{"ok":true}}`,
	)

	e := New(Config{BaseURL: srv.URL})
	result, err := e.Handler(TypeContractRisk)(context.Background(), &job.Job{ID: "job-5"}, func(int, string) {})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s", result)
	}
}

func TestRun_ContextCancelledMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"stage":"parsing","percent":10}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	e := New(Config{BaseURL: srv.URL})
	_, err := e.Handler(TypeContractRisk)(ctx, &job.Job{ID: "job-6"}, func(int, string) {
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRegister_BindsAllTypes(t *testing.T) {
	reg := dispatch.NewRegistry()
	New(Config{BaseURL: "http://engine.internal"}).Register(reg)

	want := []string{TypeContractRisk, TypeDataProtection, TypeSwissObligation}
	if got := reg.Types(); !reflect.DeepEqual(got, want) {
		t.Errorf("Types = %v, want %v", got, want)
	}
}
