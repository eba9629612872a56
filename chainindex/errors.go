package chainindex

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrAlreadyExists is returned when creating a chained header whose
	// hash is already part of the chain graph. Callers treat it as a no-op.
	ErrAlreadyExists = errors.New("chained header already exists")

	// ErrDisconnected is returned when a walk toward genesis cannot reach
	// it. Linking is append-only, so this indicates a corrupted index.
	ErrDisconnected = errors.New("chain is disconnected from genesis")

	// ErrParentNotChained is returned when creating a chained header whose
	// parent has not been chained yet.
	ErrParentNotChained = errors.New("parent header is not chained")
)

// InvariantError signals that a chained header violates the height or work
// relation with its parent, or that the genesis header was contradicted.
type InvariantError struct {
	Hash   chainhash.Hash
	Reason string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("chain index invariant violated at %v: %s", e.Hash,
		e.Reason)
}

// IsFatal reports whether err implies the chain index is corrupted.
func IsFatal(err error) bool {
	var inv *InvariantError

	return errors.Is(err, ErrDisconnected) || errors.As(err, &inv)
}
