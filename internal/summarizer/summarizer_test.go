package summarizer

import (
	"context"
	"testing"
)

func TestNullSummarizerReturnsEmpty(t *testing.T) {
	var s Summarizer = NullSummarizer{}
	res, err := s.Summarize(context.Background(), "build a widget", []string{"did a thing"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Goal != "" || res.Summary != "" {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestNewFromEnvWithoutAPIKeyReturnsNullSummarizer(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	s := NewFromEnv("", "")
	if _, ok := s.(NullSummarizer); !ok {
		t.Fatalf("expected NullSummarizer when no API key is configured, got %T", s)
	}
}

func TestExtractGoalAndSummary(t *testing.T) {
	text := "GOAL: ship the widget\nSUMMARY: wrote the initial handler"
	r := extractGoalAndSummary(text)
	if r.Goal != "ship the widget" {
		t.Errorf("got Goal=%q", r.Goal)
	}
	if r.Summary != "wrote the initial handler" {
		t.Errorf("got Summary=%q", r.Summary)
	}
}

func TestExtractGoalAndSummaryMalformedYieldsEmpty(t *testing.T) {
	r := extractGoalAndSummary("not in the expected shape at all")
	if r.Goal != "" || r.Summary != "" {
		t.Fatalf("expected empty result for malformed text, got %+v", r)
	}
}
