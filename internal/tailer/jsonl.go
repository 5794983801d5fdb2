package tailer

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/anthropics/agent-session-daemon/internal/registry"
)

// record is one newline-delimited JSON line from a session log file
// (spec.md §6): user message, assistant message, or system event. Only
// timestamp, type, message.content, and an optional todos array are
// consumed.
type record struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
	Todos     []todoEntry     `json:"todos"`
	Summary   string          `json:"summary"`
}

type todoEntry struct {
	Status string `json:"status"`
}

type messageContent struct {
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
}

// parseResult is the content-metadata delta extracted from one tailer
// pass, exactly the fields spec.md §4.4 says the tailer is allowed to
// touch.
type parseResult struct {
	lastActivityAt    time.Time
	messageCountDelta int
	todoProgress      *registry.TodoProgress
	newOffset         int64
	displayName       string
}

// parseFrom reads [offset, EOF) from path, splits by line, parses each
// complete line as one record, and returns the accumulated content
// metadata plus the new offset. Offset only advances past complete
// (newline-terminated) lines, exactly as spec.md §4.4 requires, so a
// partial trailing line is retried on the next pass.
func parseFrom(path string, offset int64) (parseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return parseResult{newOffset: offset}, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return parseResult{newOffset: offset}, err
		}
	}

	reader := bufio.NewReader(f)
	result := parseResult{newOffset: offset}
	var lastTodo *registry.TodoProgress

	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return result, readErr
		}
		if len(line) == 0 {
			break
		}
		if line[len(line)-1] != '\n' {
			// Incomplete trailing line: don't parse, don't advance.
			break
		}

		lineData := line[:len(line)-1]
		result.newOffset += int64(len(line))

		var rec record
		if err := json.Unmarshal(lineData, &rec); err != nil {
			// Malformed line: skip, offset already advanced above, per
			// spec.md §4.4/§7's "tolerate partial/malformed lines".
			if readErr == io.EOF {
				break
			}
			continue
		}

		if rec.Timestamp != "" {
			if t, err := time.Parse(time.RFC3339Nano, rec.Timestamp); err == nil {
				result.lastActivityAt = t
			}
		}

		switch rec.Type {
		case "user":
			result.messageCountDelta++
		case "assistant":
			if hasToolUse(rec.Message) {
				result.messageCountDelta++
			}
		case "summary":
			if rec.Summary != "" {
				result.displayName = rec.Summary
			}
		}

		if len(rec.Todos) > 0 {
			total := len(rec.Todos)
			completed := 0
			for _, td := range rec.Todos {
				if td.Status == "completed" {
					completed++
				}
			}
			lastTodo = &registry.TodoProgress{Total: total, Completed: completed}
		}

		if readErr == io.EOF {
			break
		}
	}

	result.todoProgress = lastTodo
	return result, nil
}

// hasToolUse reports whether an assistant message's content contains any
// tool_use block (spec.md §4.4: "assistant entries that contain any
// tool-use block" count toward messageCount).
func hasToolUse(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var msg messageContent
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false
	}
	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return false
	}
	for _, b := range blocks {
		if b.Type == "tool_use" {
			return true
		}
	}
	return false
}
