package observability

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Diagnostic event names.
const (
	EventStart              = "start"
	EventStop               = "stop"
	EventConnect            = "connect"
	EventDisconnect         = "disconnect"
	EventRequestError       = "request_error"
	EventMalformedResponse  = "malformed_response"
	EventUnmatchedResponse  = "unmatched_response"
	EventTransportError     = "transport_error"
	EventNewClient          = "new_client"
	EventDisconnectedClient = "disconnected_client"
	EventRejectedClient     = "rejected_client"
	EventWrongClient        = "wrong_client"
	EventUnknownMessage     = "unknown_message"
)

// Diagnostic is a non-fatal record about something an endpoint observed.
type Diagnostic struct {
	Time     time.Time
	Level    zerolog.Level
	Event    string
	Endpoint string
	Message  string
	Err      error
	Fields   map[string]string
}

// Sink receives diagnostics. Implementations must be safe for concurrent use
// and must not block.
type Sink interface {
	Record(Diagnostic)
}

type SinkFunc func(Diagnostic)

func (f SinkFunc) Record(d Diagnostic) { f(d) }

// Discard drops every record.
var Discard Sink = SinkFunc(func(Diagnostic) {})

// LogSink writes diagnostics through zerolog and counts them.
type LogSink struct {
	Logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

func (s *LogSink) Record(d Diagnostic) {
	RecordDiagnostic(d.Event)
	event := s.Logger.WithLevel(d.Level)
	event = event.Str("event", d.Event)
	if d.Endpoint != "" {
		event = event.Str("endpoint", d.Endpoint)
	}
	if d.Err != nil {
		event = event.Err(d.Err)
	}
	for k, v := range d.Fields {
		event = event.Str(k, v)
	}
	msg := d.Message
	if msg == "" {
		msg = "diagnostic." + d.Event
	}
	event.Msg(msg)
}

// Recorder keeps diagnostics in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Diagnostic
	notify  chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Record(d Diagnostic) {
	r.mu.Lock()
	r.records = append(r.records, d)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Records returns a copy of everything recorded so far.
func (r *Recorder) Records() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Diagnostic, len(r.records))
	copy(out, r.records)
	return out
}

// Events returns the records whose Event equals name.
func (r *Recorder) Events(name string) []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Records() {
		if d.Event == name {
			out = append(out, d)
		}
	}
	return out
}

// Wait blocks until a record named event exists or timeout elapses.
func (r *Recorder) Wait(event string, timeout time.Duration) (Diagnostic, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if found := r.Events(event); len(found) > 0 {
			return found[0], true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			if found := r.Events(event); len(found) > 0 {
				return found[0], true
			}
			return Diagnostic{}, false
		}
	}
}

// MultiSink fans each record out to every non-nil sink.
type MultiSink []Sink

func (m MultiSink) Record(d Diagnostic) {
	for _, s := range m {
		if s != nil {
			s.Record(d)
		}
	}
}

// Emitter stamps endpoint and time onto diagnostics before handing them to a
// sink.
type Emitter struct {
	Endpoint string
	Sink     Sink
}

func (e Emitter) Emit(level zerolog.Level, event, msg string, err error, fields map[string]string) {
	if e.Sink == nil {
		return
	}
	e.Sink.Record(Diagnostic{
		Time:     time.Now(),
		Level:    level,
		Event:    event,
		Endpoint: e.Endpoint,
		Message:  msg,
		Err:      err,
		Fields:   fields,
	})
}

func (e Emitter) Info(event, msg string, fields map[string]string) {
	e.Emit(zerolog.InfoLevel, event, msg, nil, fields)
}

func (e Emitter) Warn(event, msg string, err error, fields map[string]string) {
	e.Emit(zerolog.WarnLevel, event, msg, err, fields)
}

func (e Emitter) Error(event, msg string, err error, fields map[string]string) {
	e.Emit(zerolog.ErrorLevel, event, msg, err, fields)
}
