package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/auditwatch/internal/domain"
)

const defaultMaxLineBytes = 1024 * 1024

// Frame is one blank-line-terminated unit of the event stream.
type Frame struct {
	Event string
	ID    string
	Data  json.RawMessage // merged JSON object of all data lines; "{}" when none
}

// RemoteEvent decodes the frame payload.
func (f Frame) RemoteEvent() (domain.RemoteEvent, error) {
	return domain.DecodeRemoteEvent(f.Data, f.Event)
}

// Parser assembles frames from arbitrarily split chunks of a text/event-stream
// body. Every data line must hold a JSON object; the objects of one frame are
// merged key by key, later lines winning.
type Parser struct {
	maxLine int

	line     []byte
	sawCR    bool
	overflow bool

	event   string
	id      string
	data    map[string]json.RawMessage
	first   json.RawMessage
	nData   int
	bad     error
	dropped int
}

func NewParser() *Parser {
	return &Parser{maxLine: defaultMaxLineBytes}
}

// Feed consumes one chunk and returns the frames it completed. Bytes after the
// last line terminator stay buffered for the next call.
func (p *Parser) Feed(chunk []byte) []Frame {
	var frames []Frame
	for _, b := range chunk {
		if p.sawCR {
			p.sawCR = false
			if b == '\n' {
				continue
			}
		}
		switch b {
		case '\r':
			p.sawCR = true
			frames = p.endLine(frames)
		case '\n':
			frames = p.endLine(frames)
		default:
			if p.overflow {
				continue
			}
			if len(p.line) >= p.maxLine {
				p.overflow = true
				p.line = p.line[:0]
				continue
			}
			p.line = append(p.line, b)
		}
	}
	return frames
}

// Flush terminates input: a trailing unterminated line is processed and a
// pending frame is dispatched.
func (p *Parser) Flush() []Frame {
	var frames []Frame
	if len(p.line) > 0 || p.overflow {
		frames = p.endLine(frames)
	}
	return p.dispatch(frames)
}

// Dropped returns how many malformed frames were discarded.
func (p *Parser) Dropped() int {
	return p.dropped
}

func (p *Parser) endLine(frames []Frame) []Frame {
	if p.overflow {
		p.overflow = false
		p.line = p.line[:0]
		if p.bad == nil {
			p.bad = fmt.Errorf("line exceeds %d bytes: %w", p.maxLine, domain.ErrMalformedFrame)
		}
		return frames
	}

	line := string(p.line)
	p.line = p.line[:0]

	if line == "" {
		return p.dispatch(frames)
	}
	if strings.HasPrefix(line, ":") {
		return frames
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		p.event = value
	case "id":
		p.id = value
	case "data":
		p.addData(value)
	}
	return frames
}

func (p *Parser) addData(value string) {
	if p.bad != nil {
		return
	}
	p.nData++

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(value), &obj); err != nil || obj == nil {
		p.bad = fmt.Errorf("data line is not a JSON object: %w", domain.ErrMalformedFrame)
		return
	}
	if p.nData == 1 {
		p.first = json.RawMessage(value)
	}
	if p.data == nil {
		p.data = obj
		return
	}
	for k, v := range obj {
		p.data[k] = v
	}
}

func (p *Parser) dispatch(frames []Frame) []Frame {
	defer p.resetFrame()

	if p.event == "" && p.nData == 0 && p.bad == nil {
		return frames
	}
	if p.bad != nil {
		p.dropped++
		log.Warn().Err(p.bad).Str("event", p.event).Msg("dropping malformed frame")
		return frames
	}

	f := Frame{Event: p.event, ID: p.id, Data: json.RawMessage("{}")}
	switch {
	case p.nData == 1:
		f.Data = p.first
	case p.nData > 1:
		merged, err := json.Marshal(p.data)
		if err != nil {
			p.dropped++
			log.Warn().Err(err).Str("event", p.event).Msg("dropping unmergeable frame")
			return frames
		}
		f.Data = merged
	}
	return append(frames, f)
}

func (p *Parser) resetFrame() {
	p.event = ""
	p.id = ""
	p.data = nil
	p.first = nil
	p.nData = 0
	p.bad = nil
}
