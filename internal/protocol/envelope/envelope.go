// Package envelope maps request, response and event envelopes onto framed
// TLV messages.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/edgeipc/internal/ipcerr"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
	"github.com/danmuck/edgeipc/internal/protocol/schema"
	"github.com/danmuck/edgeipc/internal/protocol/tlv"
)

const (
	StatusSuccess = schema.StatusSuccess
	StatusError   = schema.StatusError
)

var (
	ErrUnknownMessageType = errors.New("envelope: unknown message type")
	ErrEmptyMessage       = errors.New("envelope: message carries no envelope")
)

// Request is {resource, requestId, body}.
type Request struct {
	Resource  string
	RequestID string
	Body      json.RawMessage
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Resource) == "" {
		return fmt.Errorf("request missing resource")
	}
	if r.RequestID == "" {
		return fmt.Errorf("request missing request_id")
	}
	return nil
}

// Response is {requestId, status, body | error}.
type Response struct {
	RequestID string
	Status    string
	Body      json.RawMessage
	Error     *ipcerr.WireError
}

func (r Response) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("response missing request_id")
	}
	switch r.Status {
	case StatusSuccess:
	case StatusError:
		if r.Error == nil {
			return fmt.Errorf("error response missing error")
		}
	default:
		return fmt.Errorf("response invalid status %q", r.Status)
	}
	return nil
}

// Event is a fire-and-forget tagged payload.
type Event struct {
	Tag  string
	Body json.RawMessage
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Tag) == "" {
		return fmt.Errorf("event missing tag")
	}
	return nil
}

// Message carries exactly one envelope.
type Message struct {
	Request  *Request
	Response *Response
	Event    *Event
}

func RequestMessage(r Request) Message   { return Message{Request: &r} }
func ResponseMessage(r Response) Message { return Message{Response: &r} }
func EventMessage(e Event) Message       { return Message{Event: &e} }

// Type returns the schema message type of m, or 0 when m is empty.
func (m Message) Type() uint32 {
	switch {
	case m.Request != nil:
		return schema.MsgRequest
	case m.Response != nil:
		return schema.MsgResponse
	case m.Event != nil:
		return schema.MsgEvent
	default:
		return 0
	}
}

// DecodeError reports a frame whose payload does not form a valid envelope.
type DecodeError struct {
	MessageType uint32
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("envelope: decode message_type=%d: %v", e.MessageType, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeFrame builds the wire frame for m.
func EncodeFrame(messageID uint64, m Message) (frame.Frame, error) {
	var fields []tlv.Field
	var flags uint16
	switch {
	case m.Request != nil:
		if err := m.Request.Validate(); err != nil {
			return frame.Frame{}, err
		}
		fields = []tlv.Field{
			tlv.String(schema.FieldResource, m.Request.Resource),
			tlv.String(schema.FieldRequestID, m.Request.RequestID),
		}
		if len(m.Request.Body) > 0 {
			fields = append(fields, tlv.Bytes(schema.FieldBody, m.Request.Body))
		}
	case m.Response != nil:
		if err := m.Response.Validate(); err != nil {
			return frame.Frame{}, err
		}
		fields = []tlv.Field{
			tlv.String(schema.FieldRequestID, m.Response.RequestID),
			tlv.String(schema.FieldStatus, m.Response.Status),
		}
		if m.Response.Status == StatusError {
			flags |= frame.FlagIsError
			fields = append(fields, tlv.String(schema.FieldErrorMessage, m.Response.Error.Message))
			if m.Response.Error.Name != "" {
				fields = append(fields, tlv.String(schema.FieldErrorName, m.Response.Error.Name))
			}
			if m.Response.Error.Code != "" {
				fields = append(fields, tlv.String(schema.FieldErrorCode, m.Response.Error.Code))
			}
		} else if len(m.Response.Body) > 0 {
			fields = append(fields, tlv.Bytes(schema.FieldBody, m.Response.Body))
		}
	case m.Event != nil:
		if err := m.Event.Validate(); err != nil {
			return frame.Frame{}, err
		}
		fields = []tlv.Field{tlv.String(schema.FieldEventTag, m.Event.Tag)}
		if len(m.Event.Body) > 0 {
			fields = append(fields, tlv.Bytes(schema.FieldBody, m.Event.Body))
		}
	default:
		return frame.Frame{}, ErrEmptyMessage
	}
	msgType := m.Type()
	if err := schema.Validate(msgType, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: msgType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

// DecodeFrame parses one frame into a Message. Failures on known message
// types are returned as *DecodeError.
func DecodeFrame(f frame.Frame) (Message, error) {
	msgType := f.Header.MessageType
	if !schema.Known(msgType) {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, msgType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Message{}, &DecodeError{MessageType: msgType, Err: err}
	}
	if err := schema.Validate(msgType, fields); err != nil {
		return Message{}, &DecodeError{MessageType: msgType, Err: err}
	}
	switch msgType {
	case schema.MsgRequest:
		return Message{Request: &Request{
			Resource:  getString(fields, schema.FieldResource),
			RequestID: getString(fields, schema.FieldRequestID),
			Body:      getBody(fields),
		}}, nil
	case schema.MsgResponse:
		resp := &Response{
			RequestID: getString(fields, schema.FieldRequestID),
			Status:    getString(fields, schema.FieldStatus),
		}
		if resp.Status == StatusError {
			resp.Error = &ipcerr.WireError{
				Message: getString(fields, schema.FieldErrorMessage),
				Name:    getString(fields, schema.FieldErrorName),
				Code:    getString(fields, schema.FieldErrorCode),
			}
		} else {
			resp.Body = getBody(fields)
		}
		return Message{Response: resp}, nil
	default:
		return Message{Event: &Event{
			Tag:  getString(fields, schema.FieldEventTag),
			Body: getBody(fields),
		}}, nil
	}
}

// Write encodes m and writes it as one frame.
func Write(w io.Writer, messageID uint64, m Message) error {
	f, err := EncodeFrame(messageID, m)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, f, frame.DefaultLimits())
}

// Read reads and decodes one frame.
func Read(r io.Reader) (Message, error) {
	f, err := frame.ReadFrame(r, frame.DefaultLimits())
	if err != nil {
		return Message{}, err
	}
	return DecodeFrame(f)
}

// schema.Validate has already checked presence and type.
func getString(fields []tlv.Field, id uint16) string {
	v, _, _ := tlv.GetString(fields, id)
	return v
}

func getBody(fields []tlv.Field) json.RawMessage {
	v, ok, _ := tlv.GetBytes(fields, schema.FieldBody)
	if !ok || len(v) == 0 {
		return nil
	}
	return json.RawMessage(v)
}
