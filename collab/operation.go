// Package collab implements the collaborative editing core for wiki pages:
// positional text operations, operational transformation against session
// history, per-page session state, and the single-writer session coordinator.
package collab

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpKind identifies the variant of an Operation.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
)

// Operation is a positional edit to a session's content. It is a tagged
// union: the meaningful fields depend on Kind.
//
//   - Insert uses Position and Content.
//   - Delete uses Position, Length and optionally Removed.
//   - Replace uses SelStart, SelEnd, Content and optionally Removed.
//
// Operations are immutable once committed: the coordinator assigns ServerSeq
// and ServerTime exactly once, and transformation always works on copies.
type Operation struct {
	ID     string `json:"id"`
	Kind   OpKind `json:"kind"`
	UserID string `json:"userId"`

	Position int    `json:"position,omitempty"`
	Content  string `json:"content,omitempty"`
	Length   int    `json:"length,omitempty"`
	SelStart int    `json:"selStart,omitempty"`
	SelEnd   int    `json:"selEnd,omitempty"`
	// Removed captures the text a Delete or Replace removed, when the client
	// supplied it. The server never depends on it.
	Removed string `json:"removed,omitempty"`

	ClientTime  time.Time `json:"clientTime,omitempty"`
	ExpectedSeq int64     `json:"expectedSeq"`
	ServerSeq   int64     `json:"serverSeq,omitempty"`
	ServerTime  time.Time `json:"serverTime,omitempty"`
	RetryCount  int       `json:"retryCount,omitempty"`
}

// NewInsert creates an insert operation with a fresh operation id.
func NewInsert(userID string, position int, content string, expectedSeq int64) *Operation {
	return &Operation{
		ID:          uuid.NewString(),
		Kind:        OpInsert,
		UserID:      userID,
		Position:    position,
		Content:     content,
		ClientTime:  time.Now(),
		ExpectedSeq: expectedSeq,
	}
}

// NewDelete creates a delete operation with a fresh operation id.
func NewDelete(userID string, position, length int, expectedSeq int64) *Operation {
	return &Operation{
		ID:          uuid.NewString(),
		Kind:        OpDelete,
		UserID:      userID,
		Position:    position,
		Length:      length,
		ClientTime:  time.Now(),
		ExpectedSeq: expectedSeq,
	}
}

// NewReplace creates a replace operation with a fresh operation id.
func NewReplace(userID string, selStart, selEnd int, content string, expectedSeq int64) *Operation {
	return &Operation{
		ID:          uuid.NewString(),
		Kind:        OpReplace,
		UserID:      userID,
		SelStart:    selStart,
		SelEnd:      selEnd,
		Content:     content,
		ClientTime:  time.Now(),
		ExpectedSeq: expectedSeq,
	}
}

// Clone returns a copy of the operation.
func (op *Operation) Clone() *Operation {
	c := *op
	return &c
}

// Validate checks well-formedness independent of any document content.
func (op *Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("%w: missing operation id", ErrBadOperation)
	}
	switch op.Kind {
	case OpInsert:
		if op.Position < 0 {
			return fmt.Errorf("%w: insert position %d is negative", ErrBadOperation, op.Position)
		}
		if op.Content == "" {
			return fmt.Errorf("%w: insert has no content", ErrBadOperation)
		}
	case OpDelete:
		if op.Position < 0 {
			return fmt.Errorf("%w: delete position %d is negative", ErrBadOperation, op.Position)
		}
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete length %d is not positive", ErrBadOperation, op.Length)
		}
	case OpReplace:
		if op.SelStart < 0 {
			return fmt.Errorf("%w: selection start %d is negative", ErrBadOperation, op.SelStart)
		}
		if op.SelEnd < op.SelStart {
			return fmt.Errorf("%w: selection end %d before start %d", ErrBadOperation, op.SelEnd, op.SelStart)
		}
		if op.Content == "" && op.SelEnd == op.SelStart {
			return fmt.Errorf("%w: replace changes nothing", ErrBadOperation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadOperation, op.Kind)
	}
	return nil
}

// CanApplyTo reports whether the operation's positions lie within content.
func (op *Operation) CanApplyTo(content string) bool {
	n := len(content)
	switch op.Kind {
	case OpInsert:
		return op.Position >= 0 && op.Position <= n
	case OpDelete:
		return op.Position >= 0 && op.Length > 0 && op.Position+op.Length <= n
	case OpReplace:
		return op.SelStart >= 0 && op.SelEnd >= op.SelStart && op.SelEnd <= n
	default:
		return false
	}
}

// Apply applies the operation to content and returns the result. It fails
// with ErrBadOperation if the operation is malformed or out of bounds.
// Application is total: there is no partial result on error.
func (op *Operation) Apply(content string) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}
	if !op.CanApplyTo(content) {
		return "", fmt.Errorf("%w: %s out of bounds for content length %d", ErrBadOperation, op.Kind, len(content))
	}
	switch op.Kind {
	case OpInsert:
		return content[:op.Position] + op.Content + content[op.Position:], nil
	case OpDelete:
		return content[:op.Position] + content[op.Position+op.Length:], nil
	case OpReplace:
		return content[:op.SelStart] + op.Content + content[op.SelEnd:], nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrBadOperation, op.Kind)
}

// rangeStart and rangeEnd give the half-open interval of text the operation
// removes. Inserts have an empty interval at their position.
func (op *Operation) rangeStart() int {
	if op.Kind == OpReplace {
		return op.SelStart
	}
	return op.Position
}

func (op *Operation) rangeEnd() int {
	switch op.Kind {
	case OpDelete:
		return op.Position + op.Length
	case OpReplace:
		return op.SelEnd
	default:
		return op.Position
	}
}
