package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestKindRoundTrip(t *testing.T) {
	err := NewKind(KindTimeout, "no progress for %ds", 30)
	if !IsKind(err, KindTimeout) {
		t.Fatalf("expected timeout kind, got %v", KindOf(err))
	}
	if IsKind(err, KindConnector) {
		t.Fatal("timeout error should not match connector kind")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := NewKind(KindConnector, "process exited")
	wrapped := Wrapf(base, "turn failed")
	if !IsKind(wrapped, KindConnector) {
		t.Fatalf("kind lost through Wrapf: %v", wrapped)
	}
	rewrapped := fmt.Errorf("outer: %w", wrapped)
	if KindOf(rewrapped) != KindConnector {
		t.Fatalf("kind lost through fmt.Errorf: %v", rewrapped)
	}
}

func TestWrapKindShadowsInner(t *testing.T) {
	inner := NewKind(KindConnector, "broken pipe")
	outer := WrapKind(KindTimeout, inner, "deadline hit while writing")
	if KindOf(outer) != KindTimeout {
		t.Fatalf("expected outer kind to win, got %v", KindOf(outer))
	}
}

func TestWrapfNil(t *testing.T) {
	if Wrapf(nil, "context") != nil {
		t.Fatal("Wrapf(nil) should return nil")
	}
	if WrapKind(KindValidation, nil, "context") != nil {
		t.Fatal("WrapKind(nil) should return nil")
	}
}

func TestCallerInfo(t *testing.T) {
	err := New("boom")
	if !strings.Contains(err.Error(), "errors_test.go") {
		t.Fatalf("expected caller file in message, got %q", err.Error())
	}
}
