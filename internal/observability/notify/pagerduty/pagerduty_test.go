package pagerduty

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when routing key missing")
	}
}

func TestBuildEventDefaults(t *testing.T) {
	client, err := NewClient(Config{
		RoutingKey: "key",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := client.buildEvent(notify.JobFailurePayload{
		JobID:      "123",
		Stage:      "fetched",
		Error:      "boom",
		ErrorClass: "detection",
	})

	payloadSection, ok := event["payload"].(map[string]any)
	if !ok {
		t.Fatalf("expected payload section")
	}
	if payloadSection["severity"] != notify.SeverityCritical {
		t.Fatalf("expected default severity, got %v", payloadSection["severity"])
	}
	if payloadSection["source"] != "polybot" {
		t.Fatalf("expected default source, got %v", payloadSection["source"])
	}
	if payloadSection["component"] != "detector" {
		t.Fatalf("expected default component, got %v", payloadSection["component"])
	}
	summary, _ := payloadSection["summary"].(string)
	if !strings.Contains(summary, "fetched") {
		t.Fatalf("expected stage in summary, got %s", summary)
	}

	custom, ok := payloadSection["custom_details"].(map[string]any)
	if !ok {
		t.Fatalf("expected custom details")
	}
	for _, key := range []string{"job_id", "chat_id", "stage", "error", "error_class"} {
		if _, exists := custom[key]; !exists {
			t.Fatalf("expected key %s in custom details", key)
		}
	}

	if dedup, _ := event["dedup_key"].(string); dedup != "polybot:123" {
		t.Fatalf("expected dedup key to reference job id, got %s", dedup)
	}
}

func TestBuildEventDeadLetterSummary(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	event := client.buildEvent(notify.JobFailurePayload{JobID: "9", DeadLetter: true, Severity: "WARNING"})
	payloadSection := event["payload"].(map[string]any)
	if payloadSection["summary"] != "Detection job 9 dead-lettered" {
		t.Fatalf("unexpected summary %v", payloadSection["summary"])
	}
	if payloadSection["severity"] != notify.SeverityWarning {
		t.Fatalf("expected lowercased severity, got %v", payloadSection["severity"])
	}
}

func TestSendJobFailureUsesEndpoint(t *testing.T) {
	var routingKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		routingKey, _ = body["routing_key"].(string)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(Config{RoutingKey: "rk", Endpoint: srv.URL, Client: srv.Client()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "1"}); err != nil {
		t.Fatalf("SendJobFailure: %v", err)
	}
	if routingKey != "rk" {
		t.Fatalf("expected routing key rk, got %q", routingKey)
	}
}
