package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/ExpensePipe/internal/models"
)

func TestWriteJSONResponse_UnencodableBodyFallsBack(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, map[string]interface{}{"bad": make(chan int)})

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("fallback body is not JSON: %v", err)
	}
	if resp.Status != string(models.APIStatusError) {
		t.Errorf("expected error status, got %q", resp.Status)
	}
}

func TestAckWebhook(t *testing.T) {
	rr := httptest.NewRecorder()
	ackWebhook(rr, 0)

	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected ack: %d %q", rr.Code, rr.Header().Get("Content-Type"))
	}
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("ack body is not JSON: %v", err)
	}
	if resp.Status != string(models.APIStatusAccepted) {
		t.Errorf("expected accepted status, got %q", resp.Status)
	}
}

func TestMethodNotAllowedSetsAllow(t *testing.T) {
	rr := httptest.NewRecorder()
	methodNotAllowed(rr, "GET, POST")
	if rr.Code != http.StatusMethodNotAllowed || rr.Header().Get("Allow") != "GET, POST" {
		t.Errorf("unexpected response: %d allow=%q", rr.Code, rr.Header().Get("Allow"))
	}
}
