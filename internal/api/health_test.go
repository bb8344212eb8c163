package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func doHealth(t *testing.T, h *HealthHandler) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.CheckHealth(rec, req)

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestCheckHealthUp(t *testing.T) {
	h := NewHealthHandler(
		func() bool { return true },
		func() map[string]bool { return map[string]bool{"durable_store": true, "backbone": true} },
		func() (int, int) { return 7, 3 },
	)

	code, body := doHealth(t, h)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["status"] != "UP" {
		t.Fatalf("status field = %v", body["status"])
	}
	if body["connectedClients"].(float64) != 7 || body["connectedUsers"].(float64) != 3 {
		t.Fatalf("counts missing: %v", body)
	}
	components := body["components"].(map[string]interface{})
	if components["backbone"] != true {
		t.Fatalf("components = %v", components)
	}
	if _, ok := body["timestamp"].(string); !ok {
		t.Fatal("timestamp missing")
	}
}

func TestCheckHealthDown(t *testing.T) {
	h := NewHealthHandler(
		func() bool { return false },
		func() map[string]bool { return map[string]bool{"durable_store": false} },
		func() (int, int) { return 0, 0 },
	)

	code, body := doHealth(t, h)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if body["status"] != "DOWN" {
		t.Fatalf("status field = %v", body["status"])
	}
}
