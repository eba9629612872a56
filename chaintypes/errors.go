package chaintypes

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MissingDataError is returned when a lookup for a referenced hash fails
// because the data is not available locally yet. It is recoverable: the work
// that hit it is deferred until the data arrives.
type MissingDataError struct {
	Kind DataKind
	Key  chainhash.Hash
}

// NewMissingDataError returns a missing data error for the given kind and key.
func NewMissingDataError(kind DataKind, key chainhash.Hash) *MissingDataError {
	return &MissingDataError{Kind: kind, Key: key}
}

// Error implements the error interface.
func (e *MissingDataError) Error() string {
	return fmt.Sprintf("missing %v %v", e.Kind, e.Key)
}

// ValidationError signals that a block or state transition was rejected by
// the rules.
type ValidationError struct {
	// Hash is the block that failed, if known.
	Hash chainhash.Hash

	// Reason is a short description of the violated rule.
	Reason string

	// Err is an optional underlying cause.
	Err error
}

// NewValidationError creates a validation error for the given block.
func NewValidationError(hash chainhash.Hash, reason string,
	err error) *ValidationError {

	return &ValidationError{Hash: hash, Reason: reason, Err: err}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("block %v failed validation: %s: %v",
			e.Hash, e.Reason, e.Err)
	}

	return fmt.Sprintf("block %v failed validation: %s", e.Hash, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsMissingData reports whether err is, or wraps, a MissingDataError.
func IsMissingData(err error) bool {
	var missing *MissingDataError
	return errors.As(err, &missing)
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var invalid *ValidationError
	return errors.As(err, &invalid)
}

// SplitMissing breaks err apart into its missing data faults and everything
// else. Errors joined with errors.Join, and wrapped joins, are flattened
// first. The residual error is nil iff every leaf fault was missing data, so
// a batch that only lacks data is fully recoverable while any other fault
// propagates.
func SplitMissing(err error) ([]*MissingDataError, error) {
	if err == nil {
		return nil, nil
	}

	var (
		missing []*MissingDataError
		others  []error
	)
	for _, leaf := range flatten(err) {
		var m *MissingDataError
		if errors.As(leaf, &m) {
			missing = append(missing, m)
			continue
		}

		others = append(others, leaf)
	}

	return missing, errors.Join(others...)
}

// flatten returns the leaves of a tree of joined errors. A wrapped error is
// only descended into when it wraps multiple errors.
func flatten(err error) []error {
	if err == nil {
		return nil
	}

	multi, ok := err.(interface{ Unwrap() []error })
	if !ok {
		// A single-wrap chain might still hide a join further down.
		if inner := errors.Unwrap(err); inner != nil {
			if _, isJoin := inner.(interface {
				Unwrap() []error
			}); isJoin {

				return flatten(inner)
			}
		}

		return []error{err}
	}

	var leaves []error
	for _, e := range multi.Unwrap() {
		leaves = append(leaves, flatten(e)...)
	}

	return leaves
}
