package ipcerr

import "errors"

// WireError is the single canonical cross-boundary error shape.
type WireError struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (w *WireError) Error() string {
	return w.Message
}

func (w *WireError) ErrorName() string {
	if w.Name == "" {
		return GenericName
	}
	return w.Name
}

func (w *WireError) ErrorCode() string {
	return w.Code
}

type namedError interface {
	ErrorName() string
}

type codedError interface {
	ErrorCode() string
}

// Serialize converts err into its wire shape. The message is always set,
// the name only when it is not the generic name, the code only when the
// error carries one.
func Serialize(err error) WireError {
	if err == nil {
		return WireError{Message: "Unknown error"}
	}
	out := WireError{Message: err.Error()}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		out.Message = reqErr.Message
		out.Code = reqErr.Code
		return out
	}

	var named namedError
	if errors.As(err, &named) {
		if name := named.ErrorName(); name != "" && name != GenericName {
			out.Name = name
		}
	}
	var coded codedError
	if errors.As(err, &coded) {
		out.Code = coded.ErrorCode()
	}
	return out
}
