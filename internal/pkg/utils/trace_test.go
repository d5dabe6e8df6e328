package utils

import (
	"regexp"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	hexPattern := regexp.MustCompile(`^[0-9a-f]{32}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewTraceID()
		if !hexPattern.MatchString(id) {
			t.Fatalf("NewTraceID() = %q, want 32 lowercase hex chars", id)
		}
		if seen[id] {
			t.Fatalf("NewTraceID() returned duplicate id: %s", id)
		}
		seen[id] = true
	}
}

func TestNewTaskID(t *testing.T) {
	uuidPattern := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewTaskID()
		if !uuidPattern.MatchString(id) {
			t.Fatalf("NewTaskID() = %q, want canonical UUID", id)
		}
		if seen[id] {
			t.Fatalf("NewTaskID() returned duplicate id: %s", id)
		}
		seen[id] = true
	}
}
