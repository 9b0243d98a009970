// Package sentinel defines the error values shared between stores, services
// and the transport layer. Stores and infrastructure return these (optionally
// wrapped) so callers can translate them into API responses.
package sentinel

import "errors"

var (
	// ErrNotFound: the identifier, shoulder or user does not exist.
	ErrNotFound = errors.New("no such identifier")
	// ErrAlreadyExists: create of an identifier that is already present.
	ErrAlreadyExists = errors.New("identifier already exists")
	// ErrForbidden: the authenticated user may not perform the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrBadRequest: malformed identifier, metadata or status transition.
	// Wrap with detail: fmt.Errorf("%w - invalid identifier", ErrBadRequest).
	ErrBadRequest = errors.New("bad request")
	// ErrImmutable: delete of a public identifier by a non-administrator.
	ErrImmutable = errors.New("identifier status does not support deletion")
	// ErrBusy: lock acquisition refused by admission control.
	ErrBusy = errors.New("concurrency limit exceeded")
	// ErrExhausted: the minter template space is full and cannot extend.
	ErrExhausted = errors.New("minter exhausted")
)
