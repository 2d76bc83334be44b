package openaicompat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"

	dispatcherrors "github.com/modelmux/dispatch/pkg/errors"
	"github.com/modelmux/dispatch/pkg/types"
)

func TestChat(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("auth header = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)

		json.NewEncoder(w).Encode(map[string]any{
			"id": "resp-1",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hi there"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8},
		})
	}))
	defer srv.Close()

	b := New("gpt-x", srv.URL+"/v1", WithAPIKey("secret"))
	res, err := b.Chat(context.Background(),
		[]types.Message{{Role: "user", Content: "hello"}},
		types.GenParams{Temperature: types.Float64(0.7), MaxTokens: 64},
	)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if res.Text != "hi there" || res.FinishReason != "stop" {
		t.Errorf("result = %+v", res)
	}
	if res.Usage.TotalTokens != 8 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if res.ModelInfo.Name != "gpt-x" {
		t.Errorf("model info = %+v", res.ModelInfo)
	}

	if gotReq.Model != "gpt-x" || gotReq.MaxTokens != 64 {
		t.Errorf("request = %+v", gotReq)
	}
	if gotReq.Temperature == nil || *gotReq.Temperature != 0.7 {
		t.Errorf("temperature = %v", gotReq.Temperature)
	}
}

func TestEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data":  []map[string]any{{"embedding": []float64{0.1, 0.2, 0.3}}},
			"usage": map[string]int{"prompt_tokens": 2, "total_tokens": 2},
		})
	}))
	defer srv.Close()

	b := New("embed-x", srv.URL)
	res, err := b.Embeddings(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}
	if len(res.Embeddings) != 3 {
		t.Errorf("embeddings = %v", res.Embeddings)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status   int
		wantType string
	}{
		{http.StatusTooManyRequests, dispatcherrors.TypeRateLimit},
		{http.StatusUnauthorized, dispatcherrors.TypeAuthentication},
		{http.StatusBadRequest, dispatcherrors.TypeValidation},
		{http.StatusInternalServerError, dispatcherrors.TypeServer},
		{http.StatusServiceUnavailable, dispatcherrors.TypeServer},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))

		b := New("gpt-x", srv.URL)
		_, err := b.Chat(context.Background(), nil, types.GenParams{})
		srv.Close()

		var derr *dispatcherrors.DispatchError
		if !errors.As(err, &derr) {
			t.Fatalf("status %d: err = %v, want DispatchError", tc.status, err)
		}
		if derr.Type != tc.wantType {
			t.Errorf("status %d: type = %q, want %q", tc.status, derr.Type, tc.wantType)
		}
	}
}

func TestConnectionError(t *testing.T) {
	// Nothing listens here.
	b := New("gpt-x", "http://127.0.0.1:1")
	_, err := b.Chat(context.Background(), nil, types.GenParams{})

	var derr *dispatcherrors.DispatchError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want DispatchError", err)
	}
	if !derr.Retryable {
		t.Errorf("connection failure not retryable: %+v", derr)
	}
}

func TestEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	b := New("gpt-x", srv.URL)
	_, err := b.Chat(context.Background(), nil, types.GenParams{})
	if err == nil {
		t.Fatal("want error for empty choices")
	}
}
