package health

import (
	"testing"
	"time"
)

func TestNewStatusStartsHealthy(t *testing.T) {
	s := NewStatus()
	if !s.Healthy {
		t.Error("expected new status to start healthy")
	}
}

func TestStatusUpdateMarksUnhealthyAfterRetries(t *testing.T) {
	s := NewStatus()
	cfg := Config{Retries: 3}

	for i := 0; i < 2; i++ {
		s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	}
	if !s.Healthy {
		t.Error("expected status to remain healthy before reaching retry threshold")
	}

	s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	if s.Healthy {
		t.Error("expected status to become unhealthy after reaching retry threshold")
	}
	if s.ConsecutiveFailures != 3 {
		t.Errorf("expected 3 consecutive failures, got %d", s.ConsecutiveFailures)
	}
}

func TestStatusUpdateRecoversOnFirstSuccess(t *testing.T) {
	s := NewStatus()
	cfg := Config{Retries: 1}

	s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	if s.Healthy {
		t.Fatal("expected status to be unhealthy after a single failure with Retries=1")
	}

	s.Update(Result{Healthy: true, CheckedAt: time.Now()}, cfg)
	if !s.Healthy {
		t.Error("expected status to recover after a successful check")
	}
	if s.ConsecutiveFailures != 0 {
		t.Errorf("expected consecutive failures reset to 0, got %d", s.ConsecutiveFailures)
	}
}

func TestStatusInStartPeriod(t *testing.T) {
	s := NewStatus()
	cfg := Config{StartPeriod: time.Hour}
	if !s.InStartPeriod(cfg) {
		t.Error("expected status to be within start period immediately after creation")
	}

	s.StartedAt = time.Now().Add(-2 * time.Hour)
	if s.InStartPeriod(cfg) {
		t.Error("expected status to be outside start period after it has elapsed")
	}
}

func TestStatusInStartPeriodDisabledWhenZero(t *testing.T) {
	s := NewStatus()
	cfg := Config{StartPeriod: 0}
	if s.InStartPeriod(cfg) {
		t.Error("expected InStartPeriod to be false when StartPeriod is zero")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Retries != 3 {
		t.Errorf("expected default retries of 3, got %d", cfg.Retries)
	}
	if cfg.Interval != 30*time.Second {
		t.Errorf("expected default interval of 30s, got %s", cfg.Interval)
	}
}
