package keyword

import (
	"errors"
	"testing"
)

func TestMatches(t *testing.T) {
	tests := []struct {
		name       string
		transcript string
		trigger    string
		want       bool
	}{
		{"exact", "pineapple", "pineapple", true},
		{"case insensitive", "I want a PineApple now", "pineapple", true},
		{"trigger padded", "pineapple", "  PINEAPPLE ", true},
		{"substring", "pineapples", "pineapple", true},
		{"missing", "apple pie", "pineapple", false},
		{"empty trigger", "anything", "", false},
		{"blank trigger", "anything", "   ", false},
		{"empty transcript", "", "pineapple", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.transcript, tt.trigger); got != tt.want {
				t.Fatalf("Matches(%q, %q) = %v, want %v", tt.transcript, tt.trigger, got, tt.want)
			}
		})
	}
}

func TestValidateTrigger(t *testing.T) {
	got, err := ValidateTrigger("  Help Me ")
	if err != nil {
		t.Fatalf("ValidateTrigger() error = %v", err)
	}
	if got != "help me" {
		t.Fatalf("expected normalized trigger, got %q", got)
	}

	if _, err := ValidateTrigger("   "); !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger, got %v", err)
	}
}

func TestTriggerConfigArmed(t *testing.T) {
	if (TriggerConfig{Keyword: "x", Enabled: false}).Armed() {
		t.Fatalf("disabled trigger should not be armed")
	}
	if (TriggerConfig{Keyword: " ", Enabled: true}).Armed() {
		t.Fatalf("blank trigger should not be armed")
	}
	if !(TriggerConfig{Keyword: "x", Enabled: true}).Armed() {
		t.Fatalf("expected armed trigger")
	}
}

func TestDeduperAdmitsOncePerUtterance(t *testing.T) {
	var d Deduper

	if !d.Admit(1) {
		t.Fatalf("first match of utterance 1 should be admitted")
	}
	if d.Admit(1) {
		t.Fatalf("final of utterance 1 should be suppressed after partial")
	}
	if !d.Admit(2) {
		t.Fatalf("utterance 2 should be admitted")
	}
	if d.Admit(1) {
		t.Fatalf("stale utterance should be suppressed")
	}

	d.Reset()
	if !d.Admit(0) {
		t.Fatalf("reset deduper should admit utterance 0")
	}
}
