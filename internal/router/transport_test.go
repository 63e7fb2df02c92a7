package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestHTTPTransportPostsMessageJSON(t *testing.T) {
	var captured *http.Request
	var body []byte
	transport := &HTTPTransport{httpClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		captured = r
		body, _ = io.ReadAll(r.Body)
		return &http.Response{
			StatusCode: http.StatusAccepted,
			Body:       io.NopCloser(strings.NewReader(`{}`)),
			Request:    r,
		}, nil
	})}}

	msg, err := models.NewMessage(models.RoleMonitoring, models.RoleResponse,
		models.MessageAlertNotice, "corr-9", time.Now(), struct{}{})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := transport.Deliver(context.Background(), "http://relay.local/inbox/response", msg); err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}

	if captured.Method != http.MethodPost {
		t.Fatalf("expected POST, got %s", captured.Method)
	}
	if captured.URL.String() != "http://relay.local/inbox/response" {
		t.Fatalf("unexpected delivery URL %s", captured.URL)
	}
	if ct := captured.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}

	var sent models.AgentMessage
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("request body is not a message: %v", err)
	}
	if sent.CorrelationID != "corr-9" || sent.Type != models.MessageAlertNotice {
		t.Fatalf("unexpected message on the wire: %+v", sent)
	}
}

func TestHTTPTransportTreatsNon2xxAsFailure(t *testing.T) {
	transport := &HTTPTransport{httpClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Status:     "500 Internal Server Error",
			Body:       io.NopCloser(strings.NewReader(`relay exploded`)),
			Request:    r,
		}, nil
	})}}

	msg, _ := models.NewMessage(models.RoleMonitoring, models.RoleResponse,
		models.MessageAlertNotice, "corr-10", time.Now(), struct{}{})
	if err := transport.Deliver(context.Background(), "http://relay.local/inbox/response", msg); err == nil {
		t.Fatal("expected error for 500 reply")
	}
}
