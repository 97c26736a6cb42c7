package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "test-state-secret-at-least-32-bytes!"

func TestStateRoundTrip(t *testing.T) {
	sm := NewStateManager(testSecret, time.Minute)

	state, err := sm.Issue("user-1", "jira")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	userID, err := sm.Verify(state, "jira")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("userID = %q, want user-1", userID)
	}
}

func TestStateWithoutUser(t *testing.T) {
	sm := NewStateManager(testSecret, time.Minute)

	state, err := sm.Issue("", "google")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	userID, err := sm.Verify(state, "google")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "" {
		t.Errorf("userID = %q, want empty", userID)
	}
}

func TestStateIsUnique(t *testing.T) {
	sm := NewStateManager(testSecret, time.Minute)

	a, _ := sm.Issue("user-1", "slack")
	b, _ := sm.Issue("user-1", "slack")
	if a == b {
		t.Error("two states for the same user and provider should differ")
	}
}

func TestStateProviderMismatch(t *testing.T) {
	sm := NewStateManager(testSecret, time.Minute)

	state, _ := sm.Issue("user-1", "slack")
	if _, err := sm.Verify(state, "asana"); !errors.Is(err, ErrStateProviderMismatch) {
		t.Errorf("err = %v, want ErrStateProviderMismatch", err)
	}
}

func TestStateExpired(t *testing.T) {
	sm := NewStateManager(testSecret, time.Minute)
	issued := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sm.now = func() time.Time { return issued }

	state, err := sm.Issue("user-1", "miro")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	sm.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := sm.Verify(state, "miro"); !errors.Is(err, ErrStateExpired) {
		t.Errorf("err = %v, want ErrStateExpired", err)
	}
}

func TestStateWrongSecret(t *testing.T) {
	state, _ := NewStateManager(testSecret, time.Minute).Issue("user-1", "zoho")

	other := NewStateManager("another-secret-that-is-long-enough!!", time.Minute)
	if _, err := other.Verify(state, "zoho"); !errors.Is(err, ErrStateMalformed) {
		t.Errorf("err = %v, want ErrStateMalformed", err)
	}
}

func TestStateTampered(t *testing.T) {
	sm := NewStateManager(testSecret, time.Minute)
	state, _ := sm.Issue("user-1", "google")

	parts := strings.Split(state, ".")
	if len(parts) != 3 {
		t.Fatalf("state is not a JWT: %q", state)
	}
	forged := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := sm.Verify(forged, "google"); !errors.Is(err, ErrStateMalformed) {
		t.Errorf("err = %v, want ErrStateMalformed", err)
	}

	for _, bad := range []string{"", "user-1:google", "a.b.c"} {
		if _, err := sm.Verify(bad, "google"); err == nil {
			t.Errorf("Verify(%q) succeeded", bad)
		}
	}
}
