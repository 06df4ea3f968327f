package game

import (
	"errors"
	"fmt"
)

type Code int

const (
	CodeInvalidMoveSyntax Code = iota + 1
	CodeIllegalMove
	CodeUnauthorizedSender
	CodeSessionAlreadyTerminal
	CodePrerequisiteNotSet
	CodeEngineUnavailable
	CodeDuplicateSession
	CodeSettingLocked
	CodeInvalidSelection
	CodeUnrecognized
)

func (c Code) String() string {
	switch c {
	case CodeInvalidMoveSyntax:
		return "invalid_move_syntax"
	case CodeIllegalMove:
		return "illegal_move"
	case CodeUnauthorizedSender:
		return "unauthorized_sender"
	case CodeSessionAlreadyTerminal:
		return "session_already_terminal"
	case CodePrerequisiteNotSet:
		return "prerequisite_not_set"
	case CodeEngineUnavailable:
		return "engine_unavailable"
	case CodeDuplicateSession:
		return "duplicate_session"
	case CodeSettingLocked:
		return "setting_locked"
	case CodeInvalidSelection:
		return "invalid_selection"
	case CodeUnrecognized:
		return "unrecognized"
	default:
		return "unknown"
	}
}

// Key is the message catalog key used to report the error to the user.
func (c Code) Key() string { return "error." + c.String() }

// Error is a categorized rejection. Data feeds the user-facing template.
type Error struct {
	Code Code
	Data map[string]any
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the package sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidMoveSyntax      = &Error{Code: CodeInvalidMoveSyntax}
	ErrIllegalMove            = &Error{Code: CodeIllegalMove}
	ErrUnauthorizedSender     = &Error{Code: CodeUnauthorizedSender}
	ErrSessionAlreadyTerminal = &Error{Code: CodeSessionAlreadyTerminal}
	ErrPrerequisiteNotSet     = &Error{Code: CodePrerequisiteNotSet}
	ErrEngineUnavailable      = &Error{Code: CodeEngineUnavailable}
	ErrDuplicateSession       = &Error{Code: CodeDuplicateSession}
	ErrSettingLocked          = &Error{Code: CodeSettingLocked}
	ErrInvalidSelection       = &Error{Code: CodeInvalidSelection}
	ErrUnrecognized           = &Error{Code: CodeUnrecognized}

	// ErrNoSession means the channel never hosted a game. Callers ignore it.
	ErrNoSession = errors.New("no session bound to channel")
)

func reject(code Code, data map[string]any, cause error) *Error {
	return &Error{Code: code, Data: data, Err: cause}
}
