package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agentpay/journey"
)

func webhookServer(t *testing.T) http.Handler {
	t.Helper()
	journeys, err := journey.Open(":memory:")
	if err != nil {
		t.Fatalf("journeys: %v", err)
	}
	server := NewServer(Options{
		Journeys:       journeys,
		WebhookSecrets: map[string]string{"circle": "whsec_circle"},
	})
	return server.Routes()
}

func TestHealthz(t *testing.T) {
	handler := webhookServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body %q", rec.Body.String())
	}
}

func TestWebhookFlow(t *testing.T) {
	handler := webhookServer(t)
	body := `{"event_id":"evt-1","type":"payment.updated"}`
	// hex(HMAC-SHA256("whsec_circle", body))
	const signature = "e599b3d2fbede1edb13a0725f57c1a4c40bb4553e402dead9218aedf1a9a408b"

	send := func(provider, payload, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v2/webhooks/"+provider, strings.NewReader(payload))
		if sig != "" {
			req.Header.Set("X-Webhook-Signature", sig)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := send("circle", body, signature)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"accepted"`) {
		t.Fatalf("first delivery: %d %q", rec.Code, rec.Body.String())
	}

	// Redelivery of the same event id is acknowledged but suppressed.
	rec = send("circle", body, signature)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"duplicate"`) {
		t.Fatalf("redelivery: %d %q", rec.Code, rec.Body.String())
	}

	rec = send("circle", body, "sha256=deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature accepted: %d", rec.Code)
	}
	rec = send("circle", body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature accepted: %d", rec.Code)
	}
	rec = send("stripe", body, signature)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown provider: %d", rec.Code)
	}
	rec = send("circle", `{"type":"payment.updated"}`, signature)
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusUnauthorized {
		t.Fatalf("event without id: %d", rec.Code)
	}
}
