package relay

import (
	"bytes"
	"io"
	"strings"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Event is one dispatched event-stream message.
type Event struct {
	ID   string
	Type string
	Data string
}

// Parser incrementally decodes the `field: value` framing of an event
// stream. Lines may end in LF, CRLF or CR and may be split across chunks
// at any byte. An event is dispatched at each blank line that follows at
// least one data field; comments and unknown fields are ignored.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	onEvent func(Event)

	line      []byte // bytes of the current, unterminated line
	pendingCR bool   // last chunk ended in CR; a leading LF belongs to it
	started   bool

	data      []byte
	hasData   bool
	eventType string
	id        string
}

// NewParser returns a Parser that calls onEvent for every complete event, in order.
func NewParser(onEvent func(Event)) *Parser {
	return &Parser{onEvent: onEvent}
}

// Feed consumes the next chunk of the stream.
func (p *Parser) Feed(chunk []byte) {
	if p.pendingCR && len(chunk) > 0 {
		p.pendingCR = false
		if chunk[0] == '\n' {
			chunk = chunk[1:]
		}
	}

	p.line = append(p.line, chunk...)
	if !p.started {
		// The BOM itself may arrive split across chunks.
		if len(p.line) < len(utf8BOM) && bytes.HasPrefix(utf8BOM, p.line) {
			return
		}
		p.started = true
		p.line = bytes.TrimPrefix(p.line, utf8BOM)
	}
	off := 0
	for {
		idx := bytes.IndexAny(p.line[off:], "\r\n")
		if idx < 0 {
			break
		}
		idx += off
		next := idx + 1
		if p.line[idx] == '\r' {
			switch {
			case next == len(p.line):
				p.pendingCR = true
			case p.line[next] == '\n':
				next++
			}
		}
		p.processLine(p.line[off:idx])
		off = next
	}
	p.line = append(p.line[:0], p.line[off:]...)
}

// Reset discards any partially accumulated line or event.
func (p *Parser) Reset() {
	p.line = p.line[:0]
	p.pendingCR = false
	p.resetEvent()
}

func (p *Parser) processLine(line []byte) {
	if len(line) == 0 {
		p.dispatch()
		return
	}
	if line[0] == ':' {
		return
	}

	field, value, _ := bytes.Cut(line, []byte(":"))
	value = bytes.TrimPrefix(value, []byte(" "))

	switch string(field) {
	case "data":
		if p.hasData {
			p.data = append(p.data, '\n')
		}
		p.data = append(p.data, value...)
		p.hasData = true
	case "event":
		p.eventType = string(value)
	case "id":
		if bytes.IndexByte(value, 0) < 0 {
			p.id = string(value)
		}
	}
}

func (p *Parser) dispatch() {
	if !p.hasData {
		p.resetEvent()
		return
	}
	ev := Event{ID: p.id, Type: p.eventType, Data: string(p.data)}
	p.resetEvent()
	p.onEvent(ev)
}

func (p *Parser) resetEvent() {
	p.data = p.data[:0]
	p.hasData = false
	p.eventType = ""
	p.id = ""
}

// WriteEvent writes ev as a single event-stream frame terminated by a blank line.
// Multi-line data is written as one data field per line.
func WriteEvent(w io.Writer, ev Event) error {
	var b bytes.Buffer
	if ev.Type != "" {
		b.WriteString("event: ")
		b.WriteString(ev.Type)
		b.WriteByte('\n')
	}
	if ev.ID != "" {
		b.WriteString("id: ")
		b.WriteString(ev.ID)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	_, err := w.Write(b.Bytes())
	return err
}
