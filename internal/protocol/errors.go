package protocol

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Code identifies an error reported to a client. 4xxx codes are client
// mistakes, 5xxx codes are server failures.
type Code int

const (
	CodeUnauthenticated      Code = 4001
	CodeNoPairing            Code = 4002
	CodeMessageTooLarge      Code = 4003
	CodeUnknownType          Code = 4004
	CodeMalformedPayload     Code = 4005
	CodeVersionConflict      Code = 4006
	CodeUnsupportedOperation Code = 4007
	CodeEmptyTitle           Code = 4008
	CodeInvalidOperation     Code = 4009

	CodeConnectFailed   Code = 5001
	CodeHandlingFailed  Code = 5002
	CodeTitleSaveFailed Code = 5003
	CodeOperationFailed Code = 5004
)

// CloseCode is the websocket close status for a fatal error. Close codes
// above 4999 are not valid on the wire, so server failures close with 1011.
func (c Code) CloseCode() int {
	if c >= 4000 && c <= 4999 {
		return int(c)
	}
	return 1011
}

// Error is a coded failure sent to the client as an "error" message.
type Error struct {
	Code    Code
	Message string

	// Set on version conflicts so the client can resync in place.
	CurrentRevision *int64
	CurrentContent  *string
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a stale base revision together with the current state.
func Conflict(clientRevision, revision int64, content string) *Error {
	e := Errorf(CodeVersionConflict, "version conflict: current revision %d, client revision %d", revision, clientRevision)
	e.CurrentRevision = &revision
	e.CurrentContent = &content
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// ErrorMessage is the wire form of Error.
type ErrorMessage struct {
	Type            string  `json:"type"`
	Code            Code    `json:"code"`
	Message         string  `json:"message"`
	CurrentRevision *int64  `json:"current_revision,omitempty"`
	CurrentContent  *string `json:"current_content,omitempty"`
}

func (e *Error) Wire() ErrorMessage {
	return ErrorMessage{
		Type:            TypeError,
		Code:            e.Code,
		Message:         e.Message,
		CurrentRevision: e.CurrentRevision,
		CurrentContent:  e.CurrentContent,
	}
}

// MaxTitleRunes bounds a document title after trimming.
const MaxTitleRunes = 100

// CleanTitle trims a submitted title and checks it is non-empty and short
// enough.
func CleanTitle(title string) (string, *Error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", Errorf(CodeEmptyTitle, "title must not be empty")
	}
	if utf8.RuneCountInString(title) > MaxTitleRunes {
		return "", Errorf(CodeInvalidOperation, "title is longer than %d characters", MaxTitleRunes)
	}
	return title, nil
}
