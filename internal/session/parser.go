package session

import (
	"encoding/json"
	"strings"
)

// Mode controls how a Parser treats incoming chunks.
type Mode string

const (
	// ModeAuto detects the format from the first chunk.
	ModeAuto Mode = "auto"
	// ModeRaw passes every chunk through verbatim.
	ModeRaw Mode = "raw"
	// ModeJSON parses newline-delimited JSON events.
	ModeJSON Mode = "json"
)

// EventKind is the recognized semantic category of a structured event.
type EventKind string

const (
	EventText       EventKind = "text"
	EventToolUse    EventKind = "tool_use"
	EventToolResult EventKind = "tool_result"
	EventThinking   EventKind = "thinking"
	EventError      EventKind = "error"
)

// Output is one classified unit of process output: either opaque text
// forwarded verbatim, or a structured event decoded from a JSON line.
type Output struct {
	Type    string       // "raw" or "parsed"
	Content string
	Event   *StreamEvent // set when Type == "parsed"
}

// StreamEvent is a normalized structured event from the assistant's
// stream-JSON output.
type StreamEvent struct {
	Kind    EventKind       `json:"kind"`
	Content string          `json:"content,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// streamLine covers the field spellings observed across assistant CLI
// versions; extraction falls back through the alternatives in order.
type streamLine struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content,omitempty"`
	Text     string          `json:"text,omitempty"`
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Delta    *struct {
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
}

// Parser classifies the raw output stream of one process into discrete
// Outputs. It is stateful: format detection is a one-shot decision made
// on the first chunk, a partial trailing line is buffered across calls,
// and a single malformed line in json mode permanently downgrades the
// stream to raw passthrough.
//
// Parser is not goroutine-safe; the Manager invokes it from a single
// process read loop at a time.
type Parser struct {
	mode     Mode // as configured
	detected Mode // ModeRaw or ModeJSON once established, "" until then
	pending  string
}

// NewParser creates a parser in auto-detect mode.
func NewParser() *Parser {
	return &Parser{mode: ModeAuto}
}

// SetMode forces the parse mode. Forcing a non-auto mode fixes the
// detected format to match; setting auto clears any prior detection.
func (p *Parser) SetMode(m Mode) {
	p.mode = m
	if m == ModeAuto {
		p.detected = ""
	} else {
		p.detected = m
	}
}

// Mode returns the configured mode.
func (p *Parser) Mode() Mode { return p.mode }

// Detected returns the established format, or "" if not yet detected.
func (p *Parser) Detected() Mode { return p.detected }

// Reset clears the pending-line buffer and, in auto mode, the detected
// format. Must be called whenever a new process is attached so stale
// partial-line state and a stale detection never leak across restarts.
func (p *Parser) Reset() {
	p.pending = ""
	if p.mode == ModeAuto {
		p.detected = ""
	}
}

// Parse consumes one chunk and returns zero or more classified outputs.
func (p *Parser) Parse(chunk string) []Output {
	if p.mode == ModeRaw {
		return []Output{{Type: "raw", Content: chunk}}
	}

	if p.detected == "" {
		p.detected = detectFormat(chunk)
	}

	if p.detected == ModeRaw {
		return []Output{{Type: "raw", Content: chunk}}
	}

	return p.parseJSONLines(chunk)
}

func (p *Parser) parseJSONLines(chunk string) []Output {
	buf := p.pending + chunk
	lines := strings.Split(buf, "\n")
	p.pending = lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	var outs []Output
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		var sl streamLine
		if err := json.Unmarshal([]byte(line), &sl); err != nil {
			// One malformed line is enough: this stream is terminal
			// output, not events. Downgrade for the parser's lifetime
			// and pass the rest of the chunk through untouched.
			p.detected = ModeRaw
			rest := strings.Join(append([]string{line}, lines[i+1:]...), "\n")
			if p.pending != "" {
				rest += "\n" + p.pending
				p.pending = ""
			}
			outs = append(outs, Output{Type: "raw", Content: rest})
			return outs
		}

		ev := normalizeLine(sl, line)
		outs = append(outs, Output{Type: "parsed", Content: ev.Content, Event: ev})
	}
	return outs
}

// detectFormat decides raw vs json from the first chunk: a chunk whose
// trimmed form starts with '{' and whose first newline-delimited segment
// parses as JSON establishes json mode; anything else is raw.
func detectFormat(chunk string) Mode {
	trimmed := strings.TrimSpace(chunk)
	if !strings.HasPrefix(trimmed, "{") {
		return ModeRaw
	}
	first, _, _ := strings.Cut(trimmed, "\n")
	if !json.Valid([]byte(strings.TrimSpace(first))) {
		if strings.Contains(trimmed, "\n") {
			return ModeRaw
		}
		// Lone incomplete line: assume an object split across chunks.
		// Line reassembly settles it; a malformed completion downgrades.
		return ModeJSON
	}
	return ModeJSON
}

// normalizeLine maps a decoded stream line to one of the five event
// kinds using tolerant field extraction. Unknown discriminants degrade
// to a text event carrying the raw line.
func normalizeLine(sl streamLine, raw string) *StreamEvent {
	switch sl.Type {
	case "text", "assistant", "message", "content_block_delta":
		return &StreamEvent{Kind: EventText, Content: textContent(sl, raw)}
	case "tool_use", "tool_call":
		input := sl.Input
		if input == nil {
			input = sl.Args
		}
		return &StreamEvent{
			Kind:    EventToolUse,
			Tool:    firstNonEmpty(sl.Tool, sl.Name),
			Content: textContent(sl, raw),
			Input:   input,
		}
	case "tool_result":
		out := sl.Output
		if out == nil {
			out = sl.Content
		}
		if out == nil {
			out = sl.Result
		}
		return &StreamEvent{Kind: EventToolResult, Content: rawToString(out, raw)}
	case "thinking":
		if sl.Thinking != "" {
			return &StreamEvent{Kind: EventThinking, Content: sl.Thinking}
		}
		return &StreamEvent{Kind: EventThinking, Content: textContent(sl, raw)}
	case "error":
		msg := firstNonEmpty(sl.Error, sl.Message, sl.Text)
		if msg == "" {
			msg = rawToString(sl.Content, raw)
		}
		return &StreamEvent{Kind: EventError, Content: msg}
	default:
		return &StreamEvent{Kind: EventText, Content: raw}
	}
}

// textContent extracts a text payload from content | text | delta.text,
// falling back to the raw line when none match.
func textContent(sl streamLine, raw string) string {
	if s := rawToString(sl.Content, ""); s != "" {
		return s
	}
	if sl.Text != "" {
		return sl.Text
	}
	if sl.Delta != nil && sl.Delta.Text != "" {
		return sl.Delta.Text
	}
	if sl.Message != "" {
		return sl.Message
	}
	return raw
}

// rawToString renders a raw JSON value as text: strings are unquoted,
// anything else keeps its JSON form. fallback is returned for nil.
func rawToString(v json.RawMessage, fallback string) string {
	if v == nil {
		return fallback
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
