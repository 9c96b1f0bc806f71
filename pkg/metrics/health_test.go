package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func resetHealthChecker(version string) {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
		version:    version,
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealthChecker("")

	RegisterComponent("database", true, "connected")

	if len(healthChecker.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(healthChecker.components))
	}

	comp := healthChecker.components["database"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}

	if comp.Message != "connected" {
		t.Errorf("expected message 'connected', got '%s'", comp.Message)
	}
}

func TestGetHealth_AllHealthy(t *testing.T) {
	resetHealthChecker("1.0.0")

	RegisterComponent("database", true, "")
	RegisterComponent("scheduler", true, "")

	health := GetHealth()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}

	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}

	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
}

func TestGetHealth_OneUnhealthy(t *testing.T) {
	resetHealthChecker("")

	RegisterComponent("scheduler", true, "")
	RegisterComponent("database", false, "connection refused")

	health := GetHealth()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}

	if health.Components["database"] != "unhealthy: connection refused" {
		t.Errorf("unexpected database status: %s", health.Components["database"])
	}
}

func TestGetReadiness_AllReady(t *testing.T) {
	resetHealthChecker("")

	RegisterComponent("database", true, "")
	RegisterComponent("scheduler", true, "")
	RegisterComponent("dispatcher", true, "")

	readiness := GetReadiness()

	if readiness.Status != "ready" {
		t.Errorf("expected status 'ready', got '%s'", readiness.Status)
	}
}

func TestGetReadiness_MissingCriticalComponent(t *testing.T) {
	resetHealthChecker("")

	RegisterComponent("scheduler", true, "")
	// database and dispatcher not registered

	readiness := GetReadiness()

	if readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", readiness.Status)
	}

	if readiness.Message == "" {
		t.Error("expected message explaining why not ready")
	}
}

func TestGetReadiness_CriticalComponentUnhealthy(t *testing.T) {
	resetHealthChecker("")

	RegisterComponent("database", false, "pool exhausted")
	RegisterComponent("scheduler", true, "")
	RegisterComponent("dispatcher", true, "")

	readiness := GetReadiness()

	if readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", readiness.Status)
	}
}

func TestHealthHandler(t *testing.T) {
	resetHealthChecker("test")

	RegisterComponent("database", true, "")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler := HealthHandler()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if health.Status != "healthy" {
		t.Errorf("expected healthy status, got %s", health.Status)
	}

	if health.Version != "test" {
		t.Errorf("expected version 'test', got %s", health.Version)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetHealthChecker("")

	RegisterComponent("database", false, "broken")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler := HealthHandler()
	handler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestReadyHandler_NotReady(t *testing.T) {
	resetHealthChecker("")

	RegisterComponent("scheduler", true, "")
	// database not registered

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()

	handler := ReadyHandler()
	handler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	var readiness HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&readiness); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if readiness.Status != "not_ready" {
		t.Errorf("expected not_ready status, got %s", readiness.Status)
	}
}

func TestLivenessHandler(t *testing.T) {
	resetHealthChecker("")

	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()

	handler := LivenessHandler()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["status"] != "alive" {
		t.Errorf("expected status 'alive', got '%s'", response["status"])
	}
}

func TestUpdateComponent(t *testing.T) {
	resetHealthChecker("")

	RegisterComponent("dispatcher", true, "ok")
	UpdateComponent("dispatcher", false, "tick stalled")

	comp := healthChecker.components["dispatcher"]
	if comp.Healthy {
		t.Error("component should be unhealthy after update")
	}

	if comp.Message != "tick stalled" {
		t.Errorf("expected message 'tick stalled', got '%s'", comp.Message)
	}
}
