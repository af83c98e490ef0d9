package secrets

import (
	"context"
	"testing"
)

func TestEnvBackend_Fetch(t *testing.T) {
	t.Setenv("RELAYMUX_SECRET_OPENAI_API_KEY", "sk-env")

	b := NewEnvBackend("RELAYMUX_SECRET_")
	v, err := b.Fetch(context.Background(), "openai-api-key")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(v) != "sk-env" {
		t.Errorf("value = %q", v)
	}

	if _, err := b.Fetch(context.Background(), "no-such-secret"); err == nil {
		t.Error("unset variable should fail")
	}
}

func TestEnvBackend_RotateUnsupported(t *testing.T) {
	b := NewEnvBackend("X_")
	if _, err := b.Rotate(context.Background(), "anything"); err == nil {
		t.Error("env backend should not rotate")
	}
}

func TestPing(t *testing.T) {
	// Both built-in backends are process-local and always reachable.
	if err := NewEnvBackend("X_").Ping(context.Background()); err != nil {
		t.Errorf("env ping: %v", err)
	}
	if err := (Static{}).Ping(context.Background()); err != nil {
		t.Errorf("static ping: %v", err)
	}
}

func TestStatic(t *testing.T) {
	s := Static{"k": "v"}

	v, err := s.Fetch(context.Background(), "k")
	if err != nil || string(v) != "v" {
		t.Errorf("fetch = %q, %v", v, err)
	}
	if _, err := s.Fetch(context.Background(), "missing"); err == nil {
		t.Error("missing name should fail")
	}

	next, err := s.Rotate(context.Background(), "k")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if v, _ := s.Fetch(context.Background(), next); string(v) != "v" {
		t.Errorf("rotated value = %q", v)
	}
}
