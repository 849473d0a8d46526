package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/edgeipc/internal/ipcerr"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
	"github.com/danmuck/edgeipc/internal/protocol/schema"
	"github.com/danmuck/edgeipc/internal/protocol/tlv"
	"github.com/danmuck/edgeipc/internal/testutil/testlog"
)

func TestRequestFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Request{Resource: "echo", RequestID: "17", Body: []byte(`{"a":1}`)}
	var buf bytes.Buffer
	if err := Write(&buf, 5, RequestMessage(in)); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := Read(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Request == nil || out.Type() != schema.MsgRequest {
		t.Fatalf("expected request, got %+v", out)
	}
	if out.Request.Resource != "echo" || out.Request.RequestID != "17" || string(out.Request.Body) != `{"a":1}` {
		t.Fatalf("request mismatch: %+v", out.Request)
	}
}

func TestResponseFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	ok := Response{RequestID: "1", Status: StatusSuccess, Body: []byte(`"pong"`)}
	fail := Response{RequestID: "2", Status: StatusError, Error: &ipcerr.WireError{
		Message: "resource x is not registered in the router",
		Name:    "MissingRouteError",
		Code:    ipcerr.KindMissingRoute.Code(),
	}}
	if err := Write(&buf, 1, ResponseMessage(ok)); err != nil {
		t.Fatalf("write ok: %v", err)
	}
	if err := Write(&buf, 2, ResponseMessage(fail)); err != nil {
		t.Fatalf("write fail: %v", err)
	}

	got, err := Read(&buf)
	if err != nil || got.Response == nil || string(got.Response.Body) != `"pong"` || got.Response.Error != nil {
		t.Fatalf("ok response got=%+v err=%v", got.Response, err)
	}

	f, err := frame.ReadFrame(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.Header.Flags&frame.FlagIsError == 0 {
		t.Fatalf("error response should set FlagIsError")
	}
	got, err = DecodeFrame(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got.Response.Error != *fail.Error {
		t.Fatalf("wire error mismatch: %+v", got.Response.Error)
	}
}

func TestEventFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := Write(&buf, 9, EventMessage(Event{Tag: "status", Body: []byte(`[1,2]`)})); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(&buf)
	if err != nil || got.Event == nil || got.Event.Tag != "status" || string(got.Event.Body) != `[1,2]` {
		t.Fatalf("event got=%+v err=%v", got.Event, err)
	}
}

func TestEncodeRejectsInvalidEnvelopes(t *testing.T) {
	testlog.Start(t)
	cases := []Message{
		{},
		RequestMessage(Request{RequestID: "1"}),
		ResponseMessage(Response{RequestID: "1", Status: "maybe"}),
		ResponseMessage(Response{RequestID: "1", Status: StatusError}),
		EventMessage(Event{}),
	}
	for i, m := range cases {
		if _, err := EncodeFrame(1, m); err == nil {
			t.Fatalf("case %d: expected encode error", i)
		}
	}
}

func TestDecodeMalformedResponse(t *testing.T) {
	testlog.Start(t)
	payload := tlv.EncodeFields([]tlv.Field{tlv.String(schema.FieldStatus, StatusSuccess)})
	_, err := DecodeFrame(frame.Frame{Header: frame.Header{MessageType: schema.MsgResponse}, Payload: payload})
	var dErr *DecodeError
	if !errors.As(err, &dErr) || dErr.MessageType != schema.MsgResponse {
		t.Fatalf("expected response DecodeError, got %v", err)
	}

	_, err = DecodeFrame(frame.Frame{Header: frame.Header{MessageType: 77}})
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
}
