package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by every store implementation. Use errors.Is.
var (
	ErrNotFound     = errors.New("docstore: not found")
	ErrConflict     = errors.New("docstore: document update conflict")
	ErrUnauthorized = errors.New("docstore: unauthorized")
	ErrForbidden    = errors.New("docstore: forbidden")
	ErrViewNotFound = errors.New("docstore: missing named view")
	ErrMissingID    = errors.New("docstore: missing id")
	ErrInvalid      = errors.New("docstore: invalid document")
	ErrTransient    = errors.New("docstore: transient failure")
)

// BookkeepingError reports a failure on a store-internal document such as a
// replication checkpoint.
type BookkeepingError struct {
	DocID string
	Err   error
}

func (e *BookkeepingError) Error() string {
	return fmt.Sprintf("docstore: bookkeeping document %s: %v", e.DocID, e.Err)
}

func (e *BookkeepingError) Unwrap() error {
	return e.Err
}

// Class is the meaning of an error, as far as sync policy is concerned.
type Class int

// Error classes.
const (
	ClassNone Class = iota
	ClassNotFound
	ClassConflict
	ClassUnauthorized
	ClassBenign
	ClassTransient
	ClassPermanent
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassBenign:
		return "benign"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps an error onto the sync error taxonomy. A missing
// bookkeeping document and a missing id are housekeeping noise and classify
// as benign. Unrecognized errors are treated as transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var bk *BookkeepingError

	switch {
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, ErrMissingID):
		return ClassBenign
	case errors.As(err, &bk) && errors.Is(bk.Err, ErrNotFound):
		return ClassBenign
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return ClassUnauthorized
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrNotFound):
		if strings.Contains(err.Error(), LocalPrefix) {
			return ClassBenign
		}

		return ClassNotFound
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrViewNotFound):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// LookupKind discriminates the outcome of a single-document lookup.
type LookupKind int

// Lookup outcomes.
const (
	LookupFound LookupKind = iota
	LookupNotFound
	LookupUnauthorized
	LookupTransient
)

// Lookup is the explicit result of reading one document, so callers branch on
// meaning instead of inspecting errors.
type Lookup struct {
	Kind LookupKind
	Doc  *Document
	Err  error
}

// Found wraps a successfully read document.
func Found(d *Document) Lookup { return Lookup{Kind: LookupFound, Doc: d} }

// NotFound reports a document that does not exist (or is deleted).
func NotFound() Lookup { return Lookup{Kind: LookupNotFound} }

// Unauthorized reports a document the caller may not see.
func Unauthorized() Lookup { return Lookup{Kind: LookupUnauthorized} }

// TransientError reports a lookup that failed for reasons unrelated to the
// document itself.
func TransientError(err error) Lookup { return Lookup{Kind: LookupTransient, Err: err} }

// OK reports whether the lookup produced a document.
func (l Lookup) OK() bool { return l.Kind == LookupFound }
