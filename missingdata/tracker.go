package missingdata

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chaindaemon/chaind/chaintypes"
)

// Tracker records which hashes are known to be missing, per data kind. It is
// the place fetch logic looks to decide what to request next.
type Tracker struct {
	sets map[chaintypes.DataKind]*Set[chainhash.Hash]
}

// NewTracker returns an empty tracker with a set for every data kind.
func NewTracker() *Tracker {
	sets := make(map[chaintypes.DataKind]*Set[chainhash.Hash])
	for _, kind := range chaintypes.AllKinds {
		sets[kind] = NewSet[chainhash.Hash]()
	}

	return &Tracker{sets: sets}
}

func (t *Tracker) set(kind chaintypes.DataKind) *Set[chainhash.Hash] {
	s, ok := t.sets[kind]
	if !ok {
		// Unknown kinds are a programming error, never data driven.
		panic("missingdata: unknown data kind " + kind.String())
	}

	return s
}

// MarkMissing records hash as missing.
func (t *Tracker) MarkMissing(kind chaintypes.DataKind, hash chainhash.Hash) {
	if t.set(kind).Add(hash) {
		log.Debugf("Marked %v %v as missing", kind, hash)
	}
}

// MarkFound clears hash from the missing set, returning true if it was
// missing before.
func (t *Tracker) MarkFound(kind chaintypes.DataKind,
	hash chainhash.Hash) bool {

	found := t.set(kind).Remove(hash)
	if found {
		log.Tracef("Missing %v %v has arrived", kind, hash)
	}

	return found
}

// Contains reports whether hash is currently recorded as missing.
func (t *Tracker) Contains(kind chaintypes.DataKind,
	hash chainhash.Hash) bool {

	return t.set(kind).Contains(hash)
}

// Count returns the number of missing hashes of the given kind.
func (t *Tracker) Count(kind chaintypes.DataKind) int {
	return t.set(kind).Len()
}

// Snapshot returns the hashes currently missing for kind.
func (t *Tracker) Snapshot(kind chaintypes.DataKind) []chainhash.Hash {
	return t.set(kind).Snapshot()
}

// Record marks every missing data fault contained in err, which may be an
// aggregate. It returns false if err also carried other kinds of faults.
func (t *Tracker) Record(err error) bool {
	missing, rest := chaintypes.SplitMissing(err)
	for _, m := range missing {
		t.MarkMissing(m.Kind, m.Key)
	}

	return rest == nil
}

// RecordAll marks each of the given faults.
func (t *Tracker) RecordAll(missing []*chaintypes.MissingDataError) {
	for _, m := range missing {
		t.MarkMissing(m.Kind, m.Key)
	}
}
