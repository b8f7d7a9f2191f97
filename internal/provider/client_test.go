package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gensystem/internal/config"
	"gensystem/internal/model"
)

func newTestClient(t *testing.T, name string, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(&config.ProviderConfig{
		Name:          name,
		BaseURL:       srv.URL,
		APIKey:        "test-key",
		CallbackURL:   "https://example.com/cb",
		DefaultModel:  "V4_5",
		SubmitTimeout: time.Second,
		StatusTimeout: 100 * time.Millisecond,
	}, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// ----- normalization -----

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]string{
		"PENDING":              model.StatusClassPending,
		"queued":               model.StatusClassPending,
		"processing":           model.StatusClassProcessing,
		"TEXT_SUCCESS":         model.StatusClassProcessing,
		"FIRST_SUCCESS":        model.StatusClassSuccess,
		"success":              model.StatusClassSuccess,
		" Complete ":           model.StatusClassSuccess,
		"failed":               model.StatusClassFailed,
		"SENSITIVE_WORD_ERROR": model.StatusClassFailed,
		"create-task-failed":   model.StatusClassFailed,
		"something-new":        model.StatusClassProcessing,
		"":                     model.StatusClassProcessing,
	}
	for raw, want := range tests {
		if got := NormalizeStatus(raw); got != want {
			t.Errorf("NormalizeStatus(%q): got %s, want %s", raw, got, want)
		}
	}
}

// ----- kie.ai -----

func TestKieSubmit(t *testing.T) {
	c := newTestClient(t, "kie", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/generate" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization: got %q", got)
		}
		var body map[string]interface{}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["model"] != "V4_5" {
			t.Errorf("model: got %v, want default V4_5", body["model"])
		}
		if body["callBackUrl"] != "https://example.com/cb" {
			t.Errorf("callBackUrl: got %v", body["callBackUrl"])
		}
		w.Write([]byte(`{"code":200,"msg":"ok","data":{"taskId":"kie-123"}}`))
	})

	id, err := c.Submit(context.Background(), GenerateParams{Prompt: "lofi beats"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "kie-123" {
		t.Errorf("got %s, want kie-123", id)
	}
}

func TestKieSubmitBusinessError(t *testing.T) {
	c := newTestClient(t, "kie", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":429,"msg":"insufficient quota"}`))
	})

	_, err := c.Submit(context.Background(), GenerateParams{Prompt: "x"})
	if !errors.Is(err, ErrProviderError) {
		t.Fatalf("got %v, want ErrProviderError", err)
	}
}

func TestKieSubmitHTTPError(t *testing.T) {
	c := newTestClient(t, "kie", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := c.Submit(context.Background(), GenerateParams{Prompt: "x"})
	if !errors.Is(err, ErrProviderError) {
		t.Fatalf("got %v, want ErrProviderError", err)
	}
}

func TestKieFetchStatus(t *testing.T) {
	c := newTestClient(t, "kie", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/generate/record-info" || r.URL.Query().Get("taskId") != "kie-123" {
			t.Errorf("unexpected %s", r.URL.String())
		}
		w.Write([]byte(`{"code":200,"msg":"ok","data":{
			"taskId":"kie-123","status":"SUCCESS",
			"response":{"sunoData":[
				{"audioUrl":"https://cdn/a1.mp3","streamAudioUrl":"https://cdn/a1-stream","imageUrl":"https://cdn/a1.png","title":"A","tags":"lofi","duration":121.5},
				{"audioUrl":"","streamAudioUrl":"https://cdn/a2-stream","title":"B","duration":"98"}
			]}}}`))
	})

	status, err := c.FetchStatus(context.Background(), "kie-123")
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if status.RawStatus != "SUCCESS" {
		t.Errorf("RawStatus: got %s", status.RawStatus)
	}
	if len(status.Artifacts) != 2 {
		t.Fatalf("artifacts: got %d, want 2", len(status.Artifacts))
	}
	a1, a2 := status.Artifacts[0], status.Artifacts[1]
	if a1.URL != "https://cdn/a1-stream" || a1.DurationSeconds == nil || *a1.DurationSeconds != 121.5 {
		t.Errorf("a1: got %+v", a1)
	}
	if a2.URL != "https://cdn/a2-stream" || a2.DurationSeconds == nil || *a2.DurationSeconds != 98 {
		t.Errorf("a2: got %+v", a2)
	}
}

func TestFetchStatusTimeout(t *testing.T) {
	c := newTestClient(t, "kie", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	_, err := c.FetchStatus(context.Background(), "slow")
	if !errors.Is(err, ErrProviderTimeout) {
		t.Fatalf("got %v, want ErrProviderTimeout", err)
	}
}

// ----- 302.ai -----

func TestAPI302Submit(t *testing.T) {
	c := newTestClient(t, "302ai", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/suno/submit/music" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["mv"] != "chirp-crow" {
			t.Errorf("mv: got %v, want chirp-crow", body["mv"])
		}
		if body["gpt_description_prompt"] != "rainy day" {
			t.Errorf("prompt: got %v", body["gpt_description_prompt"])
		}
		w.Write([]byte(`{"code":200,"message":"ok","data":[{"id":"302-abc"},{"id":"302-def"}]}`))
	})

	id, err := c.Submit(context.Background(), GenerateParams{Prompt: "rainy day", ModelVersion: "V5"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "302-abc" {
		t.Errorf("got %s, want 302-abc", id)
	}
}

func TestAPI302SubmitMissingID(t *testing.T) {
	c := newTestClient(t, "302ai", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"message":"ok","data":[]}`))
	})

	if _, err := c.Submit(context.Background(), GenerateParams{Prompt: "x"}); !errors.Is(err, ErrProviderError) {
		t.Fatalf("got %v, want ErrProviderError", err)
	}
}

func TestAPI302FetchStatus(t *testing.T) {
	c := newTestClient(t, "302ai", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/suno/fetch/302-abc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"code":200,"message":"ok","data":{
			"status":"FAILED","progress":"100%","message":"sensitive words",
			"data":[{"audio_url":"","title":"x"}]}}`))
	})

	status, err := c.FetchStatus(context.Background(), "302-abc")
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if NormalizeStatus(status.RawStatus) != model.StatusClassFailed {
		t.Errorf("status: got %s", status.RawStatus)
	}
	if status.FailReason != "sensitive words" || status.Progress != "100%" {
		t.Errorf("got %+v", status)
	}
	if len(status.UsableArtifacts()) != 0 {
		t.Errorf("usable: got %d, want 0", len(status.UsableArtifacts()))
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	if _, err := NewClient(&config.ProviderConfig{Name: "unknown", BaseURL: "http://x"}, nil); err == nil {
		t.Fatal("expected error")
	}
}
