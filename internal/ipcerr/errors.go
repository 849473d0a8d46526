// Package ipcerr defines the closed error taxonomy shared by every edgeipc
// component and the canonical shape errors take when they cross a process
// boundary.
package ipcerr

import (
	"errors"
	"fmt"
)

// GenericName is the error name that is never put on the wire.
const GenericName = "Error"

// Kind is one member of the closed error taxonomy.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindMissingClient
	KindMissingRoute
	KindTimeout
	KindMalformedResponse
	KindDisconnected
	KindAborted
	KindInvalidArgument
	KindInvalidMethod
	KindRequest
)

type kindInfo struct {
	name string
	code string
}

var kinds = map[Kind]kindInfo{
	KindUnknown:           {name: GenericName, code: ""},
	KindMissingClient:     {name: "MissingClientError", code: "ERR_IPC_MISSING_CLIENT"},
	KindMissingRoute:      {name: "MissingRouteError", code: "ERR_IPC_MISSING_ROUTE"},
	KindTimeout:           {name: "TimeoutError", code: "ERR_IPC_REQUEST_TIMEOUT"},
	KindMalformedResponse: {name: "MalformedResponseError", code: "ERR_IPC_MALFORMED_RESPONSE"},
	KindDisconnected:      {name: "DisconnectedError", code: "ERR_IPC_DISCONNECTED"},
	KindAborted:           {name: "AbortedError", code: "ERR_IPC_ABORTED"},
	KindInvalidArgument:   {name: "InvalidArgumentError", code: "ERR_IPC_INVALID_ARGUMENT"},
	KindInvalidMethod:     {name: "InvalidMethodError", code: "ERR_IPC_INVALID_METHOD"},
	KindRequest:           {name: "RequestError", code: "ERR_IPC_REQUEST"},
}

// Name returns the stable error name for k.
func (k Kind) Name() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return GenericName
}

// Code returns the stable wire code for k.
func (k Kind) Code() string {
	return kinds[k].code
}

func (k Kind) String() string {
	return k.Name()
}

// KindFromCode resolves a wire code back to its kind.
func KindFromCode(code string) (Kind, bool) {
	if code == "" {
		return KindUnknown, false
	}
	for k, info := range kinds {
		if info.code == code {
			return k, true
		}
	}
	return KindUnknown, false
}

// Error is a locally raised taxonomy error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

var (
	ErrMissingClient     = &Error{Kind: KindMissingClient, Message: "missing client"}
	ErrMissingRoute      = &Error{Kind: KindMissingRoute, Message: "missing route"}
	ErrTimeout           = &Error{Kind: KindTimeout, Message: "request timeout"}
	ErrMalformedResponse = &Error{Kind: KindMalformedResponse, Message: "malformed response"}
	ErrDisconnected      = &Error{Kind: KindDisconnected, Message: "disconnected"}
	ErrAborted           = &Error{Kind: KindAborted, Message: "aborted"}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
	ErrInvalidMethod     = &Error{Kind: KindInvalidMethod, Message: "invalid method"}
	ErrRequest           = &Error{Kind: KindRequest, Message: "request failed"}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to err, keeping err reachable through errors.Unwrap.
func Wrap(kind Kind, err error, message string) *Error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Name()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any taxonomy error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func (e *Error) ErrorName() string {
	return e.Kind.Name()
}

func (e *Error) ErrorCode() string {
	return e.Kind.Code()
}

// KindOf reports the taxonomy kind carried by err, looking through wrappers
// and request failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		if k, ok := KindFromCode(reqErr.Code); ok {
			return k
		}
		return KindRequest
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var wire *WireError
	if errors.As(err, &wire) {
		if k, ok := KindFromCode(wire.Code); ok {
			return k
		}
	}
	return KindUnknown
}
