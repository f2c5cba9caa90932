// Package errors re-exports github.com/cockroachdb/errors for the service.
//
// Use it exactly like the standard library package, with the extra helpers:
//
//	if err := repo.MarkExpired(ctx, id); err != nil {
//	    return errors.Wrapf(err, "mark posting %s expired", id)
//	}
//
//	if errors.Is(err, errors.ErrNotFound) {
//	    // tolerated
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel errors. Wrap them to add context; match them with Is.
var (
	// ErrNotFound indicates the requested record does not exist in the store
	ErrNotFound = New("not found")

	// ErrInvalidArgument indicates a caller passed a nil or malformed value
	ErrInvalidArgument = New("invalid argument")

	// ErrClosed indicates the component no longer accepts input
	ErrClosed = New("closed")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}
