package credential_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/kokoro/internal/credential"
)

func TestStatic(t *testing.T) {
	t.Parallel()

	tok, err := credential.Static("ek_123").Token(context.Background())
	if err != nil || tok.Value != "ek_123" {
		t.Fatalf("Token = %+v, %v", tok, err)
	}

	_, err = credential.Static("").Token(context.Background())
	var cerr *credential.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v; want *credential.Error", err)
	}
	if !errors.Is(err, credential.ErrMissingKey) {
		t.Errorf("err = %v; want ErrMissingKey", err)
	}
}

func TestToken_Expired(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	if (credential.Token{}).Expired(now) {
		t.Error("token without expiry reported expired")
	}
	if !(credential.Token{ExpiresAt: now}).Expired(now) {
		t.Error("token at expiry not reported expired")
	}
	if (credential.Token{ExpiresAt: now.Add(time.Minute)}).Expired(now) {
		t.Error("future token reported expired")
	}
}

func TestOpenAIMinter_MissingKey(t *testing.T) {
	t.Parallel()

	_, err := credential.NewOpenAIMinter("")
	if !errors.Is(err, credential.ErrMissingKey) {
		t.Fatalf("err = %v; want ErrMissingKey", err)
	}
}

func TestOpenAIMinter_Token(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/realtime/sessions" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-live" {
			t.Errorf("Authorization = %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"sess_1","client_secret":{"value":"ek_abc","expires_at":1700000060}}`)
	}))
	defer srv.Close()

	m, err := credential.NewOpenAIMinter("sk-live",
		credential.WithBaseURL(srv.URL+"/"),
		credential.WithModel("gpt-4o-realtime-preview-2025-06-03"),
		credential.WithVoice("alloy"),
	)
	if err != nil {
		t.Fatalf("NewOpenAIMinter: %v", err)
	}
	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Value != "ek_abc" {
		t.Errorf("Value = %q", tok.Value)
	}
	if !tok.ExpiresAt.Equal(time.Unix(1700000060, 0)) {
		t.Errorf("ExpiresAt = %v", tok.ExpiresAt)
	}
	if body["model"] != "gpt-4o-realtime-preview-2025-06-03" || body["voice"] != "alloy" {
		t.Errorf("request body = %v", body)
	}
}

func TestOpenAIMinter_Rejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	m, err := credential.NewOpenAIMinter("sk-bad", credential.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("NewOpenAIMinter: %v", err)
	}
	_, err = m.Token(context.Background())
	var cerr *credential.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v; want *credential.Error", err)
	}
	if cerr.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d; want 401", cerr.Status)
	}
}

func TestOpenAIMinter_NoSecretInReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"sess_1"}`)
	}))
	defer srv.Close()

	m, _ := credential.NewOpenAIMinter("sk-live", credential.WithBaseURL(srv.URL+"/"))
	_, err := m.Token(context.Background())
	var cerr *credential.Error
	if !errors.As(err, &cerr) || cerr.Op != "decode" {
		t.Fatalf("err = %v; want decode *credential.Error", err)
	}
}

func TestEndpointProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		wantValue string
		wantErr   bool
		wantCode  int
	}{
		{"nested secret", 200, `{"client_secret":{"value":"ek_1","expires_at":1700000000}}`, "ek_1", false, 0},
		{"flat secret", 200, `{"value":"ek_2"}`, "ek_2", false, 0},
		{"missing key on server", 500, `{"error":"OPENAI_API_KEY is not set"}`, "", true, 500},
		{"not json", 200, `<html>`, "", true, 0},
		{"no secret", 200, `{"client_secret":{}}`, "", true, 0},
		{"numeric secret", 200, `{"value":42}`, "", true, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("method = %s; want GET", r.Method)
				}
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			tok, err := credential.NewEndpointProvider(srv.URL).Token(context.Background())
			if tc.wantErr {
				var cerr *credential.Error
				if !errors.As(err, &cerr) {
					t.Fatalf("err = %v; want *credential.Error", err)
				}
				if tc.wantCode != 0 && cerr.Status != tc.wantCode {
					t.Errorf("Status = %d; want %d", cerr.Status, tc.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Token: %v", err)
			}
			if tok.Value != tc.wantValue {
				t.Errorf("Value = %q; want %q", tok.Value, tc.wantValue)
			}
		})
	}
}

func TestEndpointProvider_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := credential.NewEndpointProvider(url).Token(context.Background())
	var cerr *credential.Error
	if !errors.As(err, &cerr) || cerr.Op != "fetch" {
		t.Fatalf("err = %v; want fetch *credential.Error", err)
	}
}
