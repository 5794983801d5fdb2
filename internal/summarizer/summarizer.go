// Package summarizer wraps the LLM-backed text summarizer spec.md §1/§2
// treats as an external collaborator. The daemon depends only on the
// Summarizer interface; construction of a real client lives here. The
// non-blocking, per-session-coalesced call discipline described in
// spec.md §4.6/§9 lives in internal/publisher.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"os"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Result is the pair of textual fields the publisher attaches to a
// Snapshot.
type Result struct {
	Goal    string
	Summary string
}

// Summarizer derives a short goal and summary from a session's original
// prompt and a handful of recent log entries. Implementations must be safe
// for concurrent use and should treat ctx cancellation/deadline as
// authoritative — the publisher never blocks its mutex on this call.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string, recentEntries []string) (Result, error)
}

// NullSummarizer is the default: it returns empty fields immediately,
// matching spec.md §9's requirement that snapshots be publishable without
// summary fields and the daemon run out of the box without network access.
type NullSummarizer struct{}

func (NullSummarizer) Summarize(context.Context, string, []string) (Result, error) {
	return Result{}, nil
}

// messagesClient is the subset of the SDK used here, narrow enough to fake
// in tests.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client is an anthropic-sdk-go-backed Summarizer.
type Client struct {
	msg   messagesClient
	model string
}

// NewFromEnv constructs a Client from the named environment variable
// (defaulting to ANTHROPIC_API_KEY when apiKeyEnv is empty), or returns a
// NullSummarizer if the key is unset — the daemon must run without network
// access per spec.md §9.
func NewFromEnv(apiKeyEnv, model string) Summarizer {
	if apiKeyEnv == "" {
		apiKeyEnv = "ANTHROPIC_API_KEY"
	}
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		return NullSummarizer{}
	}
	if model == "" {
		model = string(sdk.ModelClaude3_5HaikuLatest)
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Client{msg: &ac.Messages, model: model}
}

// prompt template kept small and fixed: spec.md §4.6 only asks for a short
// goal + summary derived from the original prompt and recent entries.
const summaryInstruction = "In at most two short lines, state (1) the user's goal for this coding session and (2) a one-sentence summary of recent progress. Respond as \"GOAL: ...\\nSUMMARY: ...\" with no other text."

// Summarize issues one non-streaming Messages.New call. Errors are wrapped,
// not swallowed here — spec.md §7 places the swallow-and-keep-prior-value
// policy at the publisher call site, not inside the collaborator.
func (c *Client) Summarize(ctx context.Context, prompt string, recentEntries []string) (Result, error) {
	if prompt == "" && len(recentEntries) == 0 {
		return Result{}, nil
	}

	body := buildPrompt(prompt, recentEntries)
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: 128,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(body)),
		},
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("summarizer: anthropic messages.new: %w", err)
	}
	return parseResult(msg)
}

func buildPrompt(prompt string, recentEntries []string) string {
	out := summaryInstruction + "\n\nOriginal prompt: " + prompt
	if len(recentEntries) > 0 {
		out += "\n\nRecent activity:\n"
		for _, e := range recentEntries {
			out += "- " + e + "\n"
		}
	}
	return out
}

// parseResult extracts the "GOAL:"/"SUMMARY:" lines from the model's text
// response. A malformed response yields an empty Result rather than an
// error — a summarizer hiccup must never be treated as TransientIO that
// blocks publication.
func parseResult(msg *sdk.Message) (Result, error) {
	if msg == nil || len(msg.Content) == 0 {
		return Result{}, errors.New("summarizer: empty response")
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return extractGoalAndSummary(text), nil
}

func extractGoalAndSummary(text string) Result {
	var r Result
	for _, line := range splitLines(text) {
		switch {
		case hasPrefixFold(line, "GOAL:"):
			r.Goal = trimPrefixFold(line, "GOAL:")
		case hasPrefixFold(line, "SUMMARY:"):
			r.Summary = trimPrefixFold(line, "SUMMARY:")
		}
	}
	return r
}
