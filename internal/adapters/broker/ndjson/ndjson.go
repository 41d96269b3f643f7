// Package ndjson encodes and decodes broker events as newline-delimited JSON.
package ndjson

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/ports"
)

// Event kinds.
const (
	KindStart = "start"
	KindData  = "data"
	KindEnd   = "end"
	KindError = "error"
)

// ContentType is the media type of an event stream.
const ContentType = "application/x-ndjson"

const maxLine = 16 << 20

// Event is one line of the stream.
type Event struct {
	Event string          `json:"event"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Dispatch reads events from r and forwards them to h until an end or error
// event, a decode failure, or EOF. It returns the error reported to h, if any.
func Dispatch(r io.Reader, h ports.StreamHandler) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			err = fmt.Errorf("decode event: %w", err)
			h.OnError(err)
			return err
		}
		switch ev.Event {
		case KindStart:
			h.OnStart()
		case KindData:
			snap, err := domain.ParseSnapshot(ev.Data)
			if err != nil {
				h.OnError(err)
				return err
			}
			h.OnData(snap)
		case KindEnd:
			h.OnEnd()
			return nil
		case KindError:
			msg := ev.Error
			if msg == "" {
				msg = "broker reported an unknown error"
			}
			err := errors.New(msg)
			h.OnError(err)
			return err
		default:
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	err = fmt.Errorf("event stream ended without end event: %w", err)
	h.OnError(err)
	return err
}

// Emitter is a StreamHandler writing every event to w. It flushes after each
// event when w is an http.Flusher.
type Emitter struct {
	w   io.Writer
	err error
	mu  sync.Mutex
}

var _ ports.StreamHandler = (*Emitter)(nil)

// NewEmitter returns an Emitter writing to w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Err returns the first write error.
func (e *Emitter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Emitter) OnStart() { e.write(Event{Event: KindStart}) }

func (e *Emitter) OnData(s domain.Snapshot) {
	b, err := json.Marshal(s)
	if err != nil {
		e.write(Event{Event: KindError, Error: err.Error()})
		return
	}
	e.write(Event{Event: KindData, Data: b})
}

func (e *Emitter) OnEnd() { e.write(Event{Event: KindEnd}) }

func (e *Emitter) OnError(err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	e.write(Event{Event: KindError, Error: msg})
}

func (e *Emitter) write(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		e.err = err
		return
	}
	b = append(b, '\n')
	if _, err := e.w.Write(b); err != nil {
		e.err = err
		return
	}
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
}
