package roster

import (
	"errors"
	"fmt"

	"github.com/partyroster/be/internal/platform/txgate"
	"github.com/partyroster/be/pkg/repositories/party"
)

// Kind classifies a failure for callers that map it onto a response.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindTerminalState
	KindStore
	KindPresentationUnavailable
)

var kindNames = map[Kind]string{
	KindUnknown:                 "unknown",
	KindValidation:              "validation",
	KindConflict:                "conflict",
	KindNotFound:                "not_found",
	KindTerminalState:           "terminal_state",
	KindStore:                   "store",
	KindPresentationUnavailable: "presentation_unavailable",
}

func (k Kind) String() string { return kindNames[k] }

// Error is the domain error returned by Manager operations.
type Error struct {
	Kind    Kind
	Op      string
	PartyID string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.PartyID != "" {
		msg += " (party " + e.PartyID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the Kind sentinels below, so errors.Is(err, ErrTerminalState) works
// for any terminal-state failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Message != "" {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrValidation              = &Error{Kind: KindValidation}
	ErrConflict                = &Error{Kind: KindConflict}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrTerminalState           = &Error{Kind: KindTerminalState}
	ErrStore                   = &Error{Kind: KindStore}
	ErrPresentationUnavailable = &Error{Kind: KindPresentationUnavailable}
)

// KindOf returns the Kind of err, KindUnknown when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func validationErr(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func notFoundErr(op, partyID, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, PartyID: partyID, Message: message}
}

func terminalErr(op, partyID string) *Error {
	return &Error{Kind: KindTerminalState, Op: op, PartyID: partyID, Message: "party has expired"}
}

// classify turns whatever came back from the gate into an *Error.
// Domain errors pass through; everything else is a store failure.
func classify(op, partyID string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, party.ErrNotFound):
		return &Error{Kind: KindNotFound, Op: op, PartyID: partyID, Message: "party not found", Err: err}
	case errors.Is(err, party.ErrNameConflict):
		return &Error{Kind: KindConflict, Op: op, PartyID: partyID, Message: "party name already in use", Err: err}
	case errors.Is(err, party.ErrDuplicateID):
		return &Error{Kind: KindConflict, Op: op, PartyID: partyID, Message: "party identifier already in use", Err: err}
	case errors.Is(err, txgate.ErrWaitAborted):
		return &Error{Kind: KindStore, Op: op, PartyID: partyID, Message: "roster busy, retry", Err: err}
	}
	return &Error{Kind: KindStore, Op: op, PartyID: partyID, Message: "store failure", Err: err}
}
