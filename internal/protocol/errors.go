package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessageKind means the keyword has no registered decoder.
	// Fatal for the connection that produced it.
	ErrUnknownMessageKind = errors.New("unknown message keyword")

	// ErrVersionMismatch means the joining peer speaks a different protocol
	// version. Fatal on both ends.
	ErrVersionMismatch = errors.New("wrong version of protocol")

	// ErrDuplicateName means a player with the same name is already in the
	// session.
	ErrDuplicateName = errors.New("a user with the same name exists")

	// ErrOperationAborted means a couple/uncouple would have produced an
	// empty train; the whole operation is dropped with no world mutation.
	ErrOperationAborted = errors.New("operation aborted")
)

// MalformedPayloadError is a local parse failure. It fails the single message;
// the connection may continue.
type MalformedPayloadError struct {
	Keyword string
	Err     error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Keyword, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// FatalError unwinds a connection: the owning loop must run an orderly
// shutdown (return train control, notify, close the socket). Expected marks
// clean endings such as the server quitting, which are not failures.
type FatalError struct {
	Reason   string
	Expected bool
	Err      error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err must close the connection that produced it.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
