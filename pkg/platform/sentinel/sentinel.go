package sentinel

import "errors"

// Sentinel errors for storage facts. Ledger stores return these (optionally
// wrapped) so services can translate them into coded domain errors.
//
//   - ErrNotFound: record does not exist
//   - ErrVersionConflict: compare-and-swap observed a different version
//   - ErrAlreadyUsed: a unique key (invoice number, dispute reference) is taken
//   - ErrInvalidState: record is in the wrong state for the operation
//   - ErrUnavailable: backing store temporarily unavailable
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyUsed     = errors.New("already used")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnavailable     = errors.New("unavailable")
)
