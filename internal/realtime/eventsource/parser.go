package eventsource

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event is one dispatched server-sent event.
type Event struct {
	ID   string
	Type string
	Data string
}

// parser turns a text/event-stream body into events.
type parser struct {
	scanner *bufio.Scanner
	first   bool

	eventType string
	data      strings.Builder
	hasData   bool
	idBuffer  string
	// lastID is the id buffer as of the last blank line.
	lastID string

	onRetry func(time.Duration)
	onEvent func(Event)
}

func newParser(r io.Reader, maxLine int, lastID string, onEvent func(Event), onRetry func(time.Duration)) *parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(4096, maxLine)), maxLine)
	scanner.Split(scanLines)
	return &parser{
		scanner:  scanner,
		first:    true,
		idBuffer: lastID,
		lastID:   lastID,
		onRetry:  onRetry,
		onEvent:  onEvent,
	}
}

// run reads until the body ends. An event that was not terminated by a blank
// line is discarded. The returned error is nil on a clean end of stream.
func (p *parser) run() error {
	for p.scanner.Scan() {
		line := p.scanner.Text()
		if p.first {
			line = strings.TrimPrefix(line, "\ufeff")
			p.first = false
		}
		p.processLine(line)
	}
	return p.scanner.Err()
}

func (p *parser) processLine(line string) {
	if line == "" {
		p.dispatch()
		return
	}
	if strings.HasPrefix(line, ":") {
		return
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "event":
		p.eventType = value
	case "data":
		p.data.WriteString(value)
		p.data.WriteByte('\n')
		p.hasData = true
	case "id":
		if !strings.ContainsRune(value, 0) {
			p.idBuffer = value
		}
	case "retry":
		ms, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return
		}
		if p.onRetry != nil {
			p.onRetry(time.Duration(ms) * time.Millisecond)
		}
	}
}

func (p *parser) dispatch() {
	p.lastID = p.idBuffer
	eventType := p.eventType
	p.eventType = ""
	if !p.hasData {
		p.data.Reset()
		return
	}
	data := strings.TrimSuffix(p.data.String(), "\n")
	p.data.Reset()
	p.hasData = false

	if eventType == "" {
		eventType = "message"
	}
	p.onEvent(Event{
		ID:   p.lastID,
		Type: eventType,
		Data: data,
	})
}

// scanLines splits on CRLF, LF or a lone CR.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		// A trailing CR may be the first half of CRLF.
		return 0, nil, nil
	}
	if atEOF {
		// The final line was never terminated, so it never completes an event.
		return len(data), nil, nil
	}
	return 0, nil, nil
}
