package dispatcher

import (
	"errors"
	"fmt"

	"github.com/mockex/engine/pkg/book"
	"github.com/mockex/engine/pkg/ledger"
)

// ValidationError marks an event as malformed or semantically invalid:
// reject it, mark it rejected, and never retry it.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

type errorKind uint8

const (
	errTransient errorKind = iota
	errValidationKind
	errStoreCorrupt
)

// classify sorts a dispatch error into the handling it needs: a validation
// error is rejected outright, a store-corruption error is fatal, and
// everything else is assumed transient (lock contention, a full map) and
// worth retrying.
func classify(err error) errorKind {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return errValidationKind
	}
	var dup *book.ErrDuplicateKey
	if errors.As(err, &dup) {
		return errStoreCorrupt
	}
	var notFound *book.ErrNotFound
	if errors.As(err, &notFound) {
		return errStoreCorrupt
	}
	if errors.Is(err, ledger.ErrNonPositiveAmount) {
		return errValidationKind
	}
	return errTransient
}
