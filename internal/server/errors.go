package server

import (
	"errors"
	"fmt"

	"github.com/agrolink/realtime/internal/database"
)

type ErrorKind int

const (
	KindNotFound ErrorKind = iota + 1
	KindForbidden
	KindValidation
	KindOfflineRecipient
	KindPersistence
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindValidation:
		return "validation"
	case KindOfflineRecipient:
		return "offline_recipient"
	case KindPersistence:
		return "persistence"
	}
	return "unknown"
}

// HubError is a failure of a client initiated operation. Message is safe to
// show to the client; Err is for logs only.
type HubError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *HubError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *HubError) Unwrap() error {
	return e.Err
}

func ErrRoomNotFound(roomId string) *HubError {
	return &HubError{Kind: KindNotFound, Message: "room not found", Err: fmt.Errorf("room %q: %w", roomId, database.ErrNotFound)}
}

func ErrNotParticipant(roomId string) *HubError {
	return &HubError{Kind: KindForbidden, Message: "not a participant of this room", Err: fmt.Errorf("room %q: %w", roomId, database.ErrForbidden)}
}

func ErrIdentityMismatch(userId string) *HubError {
	return &HubError{Kind: KindForbidden, Message: "user id does not match token", Err: fmt.Errorf("authenticate as %q: %w", userId, database.ErrForbidden)}
}

func ErrValidation(message string, err error) *HubError {
	return &HubError{Kind: KindValidation, Message: message, Err: err}
}

func ErrPersistence(message string, err error) *HubError {
	return &HubError{Kind: KindPersistence, Message: message, Err: err}
}

// storeError classifies a store failure, keeping not found distinct.
func storeError(message string, err error) *HubError {
	if errors.Is(err, database.ErrNotFound) {
		return &HubError{Kind: KindNotFound, Message: "not found", Err: err}
	}
	return ErrPersistence(message, err)
}

// IsKind reports whether err is a HubError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var he *HubError
	return errors.As(err, &he) && he.Kind == kind
}

// errorEvent turns err into the error event sent back to the client.
func errorEvent(id int, err error) *ServerMessage {
	var he *HubError
	if errors.As(err, &he) {
		return ErrMessage(id, he.Message)
	}
	return ErrInternalError(id)
}
