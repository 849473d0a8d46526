package schema

import (
	"fmt"

	"github.com/danmuck/edgeipc/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs from tlv contract.
const (
	MsgRequest  uint32 = 1
	MsgResponse uint32 = 2
	MsgEvent    uint32 = 3
)

// Field IDs from tlv contract.
const (
	FieldResource  uint16 = 1
	FieldRequestID uint16 = 2
	FieldBody      uint16 = 3
	FieldStatus    uint16 = 4

	FieldErrorMessage uint16 = 5
	FieldErrorName    uint16 = 6
	FieldErrorCode    uint16 = 7

	FieldEventTag uint16 = 8
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgRequest: {
		{FieldResource, tlv.TypeString},
		{FieldRequestID, tlv.TypeString},
	},
	MsgResponse: {
		{FieldRequestID, tlv.TypeString},
		{FieldStatus, tlv.TypeString},
	},
	MsgEvent: {
		{FieldEventTag, tlv.TypeString},
	},
}

// optional fields still have to carry the right type when present.
var optional = map[uint16]uint8{
	FieldBody:         tlv.TypeBytes,
	FieldErrorMessage: tlv.TypeString,
	FieldErrorName:    tlv.TypeString,
	FieldErrorCode:    tlv.TypeString,
}

// Known reports whether messageType has a schema.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Trace().Msgf("schema.Validate message_type=%d fields=%d", messageType, len(fields))
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Msgf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Msgf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().Msgf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
				messageType,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, f := range fields {
		if want, ok := optional[f.ID]; ok && f.Type != want {
			return ValidationError{MessageType: messageType, FieldID: f.ID, Reason: "type mismatch"}
		}
	}
	if messageType == MsgResponse {
		status, _ := tlv.GetField(fields, FieldStatus)
		switch string(status.Value) {
		case StatusSuccess:
		case StatusError:
			if _, ok := tlv.GetField(fields, FieldErrorMessage); !ok {
				return ValidationError{MessageType: messageType, FieldID: FieldErrorMessage, Reason: "error response missing message"}
			}
		default:
			return ValidationError{MessageType: messageType, FieldID: FieldStatus, Reason: "invalid status"}
		}
	}
	return nil
}
