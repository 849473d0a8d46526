package ipcerr

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// CallSite is the diagnostic context captured when a request is issued.
type CallSite struct {
	Resource string
	Stack    string
}

// CaptureCallSite records the caller stack, skipping skip frames above the
// caller of CaptureCallSite.
func CaptureCallSite(resource string, skip int) CallSite {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return CallSite{Resource: resource, Stack: b.String()}
}

// RequestError is the one failure shape returned to callers of a request,
// whether the failure was local (timeout, disconnect) or remote.
type RequestError struct {
	Message      string
	OriginalName string
	Code         string
	Resource     string
	Stack        string
	Err          error
}

// NewRequestError normalizes cause into a RequestError carrying site.
// A cause that already is a RequestError is returned unchanged.
func NewRequestError(cause error, site CallSite) *RequestError {
	var existing *RequestError
	if errors.As(cause, &existing) {
		return existing
	}
	out := &RequestError{
		Message:  "Unknown error",
		Resource: site.Resource,
		Stack:    site.Stack,
		Err:      cause,
	}
	if cause == nil {
		return out
	}

	var name string
	var wire *WireError
	if errors.As(cause, &wire) {
		out.Message = wire.Message
		out.Code = wire.Code
		name = wire.Name
	} else {
		shape := Serialize(cause)
		out.Message = shape.Message
		out.Code = shape.Code
		name = shape.Name
	}
	if name != "" && name != GenericName && name != KindRequest.Name() {
		out.OriginalName = name
	}
	return out
}

func (e *RequestError) Error() string {
	var b strings.Builder
	b.WriteString(KindRequest.Name())
	if e.OriginalName != "" {
		b.WriteString("<" + e.OriginalName + ">")
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, " (While fetching resource: '%s')", e.Resource)
	}
	b.WriteString(": " + e.Message)
	if e.Code != "" {
		fmt.Fprintf(&b, " (code: '%s')", e.Code)
	}
	return b.String()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is matches ErrRequest and any taxonomy sentinel whose code the failure carries.
func (e *RequestError) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == KindRequest {
		return true
	}
	return e.Code != "" && t.Kind.Code() == e.Code
}

func (e *RequestError) ErrorName() string {
	return KindRequest.Name()
}

func (e *RequestError) ErrorCode() string {
	return e.Code
}

// StackTrace renders the failure header followed by the issuing call site.
func (e *RequestError) StackTrace() string {
	if e.Stack == "" {
		return e.Error()
	}
	return e.Error() + "\n" + e.Stack
}
