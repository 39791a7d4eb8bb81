// Package sentinel defines the storage-level facts that stores return and
// services translate into coded domain errors.
package sentinel

import "errors"

// These describe the state of a resource, not the validity of a request:
//   - ErrNotFound: no row for the key (voucher, settlement, cache entry)
//   - ErrConflict: optimistic version check lost, or a unique key is taken
//   - ErrAlreadyUsed: a one-shot resource (active settlement slot) is taken
//   - ErrInvalidState: the resource is not in a state that permits the write
//
// Validation failures use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
)
