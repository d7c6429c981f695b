package presence

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means no status record exists yet. Heartbeats return it so a
	// producer can fall back to a full mutation.
	ErrNotFound = errors.New("no status record")
	// ErrStore is matched by every *StoreError.
	ErrStore = errors.New("state store unavailable")
)

// ValidationError is a client-correctable input problem. Allowed lists the
// accepted values when the field is an enum.
type ValidationError struct {
	Field   string
	Message string
	Allowed []string
}

func (e *ValidationError) Error() string {
	if len(e.Allowed) > 0 {
		return fmt.Sprintf("%s. Must be one of: %s", e.Message, strings.Join(e.Allowed, ", "))
	}
	return e.Message
}

// StoreError wraps a backend failure during operation Op.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStore) match any StoreError.
func (e *StoreError) Is(target error) bool { return target == ErrStore }
