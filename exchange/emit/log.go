package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes events to an io.Writer, either as human-readable
// key=value lines or as JSON lines (one event per line).
type LogEmitter struct {
	w        io.Writer
	jsonMode bool
}

// NewLogEmitter returns a LogEmitter writing to w. If w is nil, it
// writes to os.Stdout. jsonMode selects JSONL output over text.
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	return &LogEmitter{w: w, jsonMode: jsonMode}
}

// Emit writes event in the configured format.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(l.w, `{"error":"failed to marshal event: %v"}`+"\n", err)
		return
	}
	fmt.Fprintf(l.w, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.w, "[%s] round=%d node=%s", event.Msg, event.Round, event.NodeID)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.w, " meta=%s", metaJSON)
		}
	}
	fmt.Fprint(l.w, "\n")
}

// EmitBatch writes every event in order.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		l.Emit(e)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes synchronously with no internal
// buffer. Wrap w in a bufio.Writer and flush it directly if needed.
func (l *LogEmitter) Flush(context.Context) error { return nil }
