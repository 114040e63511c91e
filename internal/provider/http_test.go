package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(url string) *HTTPClient {
	cfg := DefaultHTTPConfig("test-key")
	cfg.BaseURL = url
	cfg.Timeout = 5 * time.Second
	cfg.MaxRetries = 2
	return NewHTTPClient(cfg)
}

func TestHTTPClient_GenerateSuccess(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "  {\"prose\": \"hello\"}  "}}]}`))
	}))
	defer server.Close()

	text, err := testClient(server.URL).Generate(context.Background(), Request{Prompt: "write"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != `{"prose": "hello"}` {
		t.Errorf("text = %q, want trimmed completion", text)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestHTTPClient_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer server.Close()

	text, err := testClient(server.URL).Generate(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate failed after retry: %v", err)
	}
	if text != "ok" || atomic.LoadInt32(&calls) != 2 {
		t.Errorf("text=%q calls=%d, want ok after exactly one retry", text, calls)
	}
}

func TestHTTPClient_AuthErrorNoRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "invalid key"}}`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).Generate(context.Background(), Request{Prompt: "p"})
	if !IsFatal(err) {
		t.Fatalf("401 should classify as fatal auth error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("auth failure retried: %d calls", calls)
	}
}

func TestHTTPClient_PolicyRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"type": "content_filter", "message": "blocked by content_policy"}}`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).Generate(context.Background(), Request{Prompt: "p"})
	if err == nil {
		t.Fatal("expected policy error")
	}
	if ClassOf(err) != ClassPolicy {
		t.Errorf("class = %v, want policy", ClassOf(err))
	}
	if IsFatal(err) {
		t.Error("policy rejection must not be fatal")
	}
}

func TestHTTPClient_MissingKeyIsAuthError(t *testing.T) {
	cfg := DefaultHTTPConfig("")
	_, err := NewHTTPClient(cfg).Generate(context.Background(), Request{Prompt: "p"})
	if !IsFatal(err) {
		t.Errorf("missing API key should be a fatal auth error, got %v", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   ErrorClass
	}{
		{401, "", ClassAuth},
		{403, "", ClassAuth},
		{429, "", ClassTransient},
		{500, "", ClassTransient},
		{503, "", ClassTransient},
		{400, `{"error": "violates our content_policy"}`, ClassPolicy},
		{400, `{"error": "bad param"}`, ClassTransient},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status, tc.body); got.Class != tc.want {
			t.Errorf("classifyStatus(%d, %q) = %v, want %v", tc.status, tc.body, got.Class, tc.want)
		}
	}
}

func TestClassOf_UnclassifiedDefaultsTransient(t *testing.T) {
	if got := ClassOf(errors.New("connection reset")); got != ClassTransient {
		t.Errorf("ClassOf(plain error) = %v, want transient", got)
	}
	if got := ClassOf(&Error{Class: ClassAuth}); got != ClassAuth {
		t.Errorf("ClassOf(auth) = %v", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Class: ClassTransient, Message: "wrapped", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("Error must unwrap to its cause")
	}
}
