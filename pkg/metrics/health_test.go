package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func resetHealth(version string) {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
		version:    version,
	}
}

// Readiness follows the node's startup order: backends come up, the
// catalog installs its schemas, the listener binds. The node takes no
// traffic until all three report in.
func TestReadinessFollowsStartupOrder(t *testing.T) {
	resetHealth("")

	if got := GetReadiness(); got.Status != "not_ready" {
		t.Errorf("fresh node readiness = %q, want not_ready", got.Status)
	}

	RegisterComponent("backend", true, "bolt: main")
	RegisterComponent("catalog", true, "schemas verified")

	partial := GetReadiness()
	if partial.Status != "not_ready" {
		t.Errorf("readiness without listener = %q, want not_ready", partial.Status)
	}
	if partial.Message == "" {
		t.Error("partial readiness should say what it is waiting for")
	}

	RegisterComponent("listener", true, "accepting")
	if got := GetReadiness(); got.Status != "ready" {
		t.Errorf("readiness after full startup = %q, want ready", got.Status)
	}
}

func TestReadinessDropsWithBackend(t *testing.T) {
	resetHealth("")
	RegisterComponent("backend", true, "")
	RegisterComponent("catalog", true, "")
	RegisterComponent("listener", true, "")

	UpdateComponent("backend", false, "redis: connection refused")

	ready := GetReadiness()
	if ready.Status != "not_ready" {
		t.Errorf("readiness with dead backend = %q, want not_ready", ready.Status)
	}
	if ready.Components["backend"] != "not ready: redis: connection refused" {
		t.Errorf("unexpected backend status: %q", ready.Components["backend"])
	}
}

func TestHealthAggregatesComponents(t *testing.T) {
	resetHealth("1.2.3")
	RegisterComponent("backend", true, "")
	RegisterComponent("listener", false, "bind: address already in use")

	health := GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("health = %q, want unhealthy", health.Status)
	}
	if health.Components["backend"] != "healthy" {
		t.Errorf("backend status = %q, want healthy", health.Components["backend"])
	}
	if health.Components["listener"] != "unhealthy: bind: address already in use" {
		t.Errorf("listener status = %q", health.Components["listener"])
	}
	if health.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", health.Version)
	}
}

func TestHealthEndpointStatusCodes(t *testing.T) {
	resetHealth("dev")
	RegisterComponent("backend", true, "")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("healthy node: status %d, want 200", w.Code)
	}
	var health HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if health.Status != "healthy" || health.Version != "dev" {
		t.Errorf("unexpected body: %+v", health)
	}

	UpdateComponent("backend", false, "closed")
	w = httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy node: status %d, want 503", w.Code)
	}
}

func TestReadyEndpointStatusCodes(t *testing.T) {
	resetHealth("")
	RegisterComponent("listener", true, "")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("partial node: status %d, want 503", w.Code)
	}

	RegisterComponent("backend", true, "")
	RegisterComponent("catalog", true, "")
	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("ready node: status %d, want 200", w.Code)
	}
	var ready HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&ready); err != nil {
		t.Fatalf("decode readiness response: %v", err)
	}
	if ready.Status != "ready" {
		t.Errorf("readiness body = %q, want ready", ready.Status)
	}
}

// Liveness only says the process runs; a dead backend must not fail it.
func TestLivenessIgnoresComponentHealth(t *testing.T) {
	resetHealth("")
	RegisterComponent("backend", false, "gone")

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest("GET", "/live", nil))
	if w.Code != http.StatusOK {
		t.Errorf("liveness status %d, want 200", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode liveness response: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("liveness body = %q, want alive", body["status"])
	}
	if body["uptime"] == "" {
		t.Error("liveness should report uptime")
	}
}
