package review

import (
	"errors"
	"fmt"
)

// ErrorKind classifies operation refusals so transports can map them to
// status codes without string matching.
type ErrorKind string

// Operation error kinds.
const (
	KindNotFound           ErrorKind = "not_found"
	KindInvalidTransition  ErrorKind = "invalid_transition"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindForbidden          ErrorKind = "forbidden"
	KindStaleClaim         ErrorKind = "stale_claim"
	KindUnauthorized       ErrorKind = "unauthorized"
	KindInvalidDiff        ErrorKind = "invalid_diff"
	KindInvalidCounter     ErrorKind = "invalid_counter_patch"
	KindStaleCounter       ErrorKind = "stale_counter_patch"
	KindCooldownActive     ErrorKind = "cooldown_active"
	KindPoolCapReached     ErrorKind = "pool_cap_reached"
	KindInternalStoreError ErrorKind = "internal_store_error"
)

// OpError is the refusal every operation returns instead of panicking or
// leaking driver errors across the contract. Extra fields ride along into
// the rendered error document.
type OpError struct {
	Kind  ErrorKind
	Msg   string
	Extra map[string]any
}

// Error implements the error interface.
func (e *OpError) Error() string {
	return e.Msg
}

// Document renders the stable error document shape: an "error" message
// plus any operation-specific fields such as retry_after_seconds.
func (e *OpError) Document() map[string]any {
	doc := make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		doc[k] = v
	}
	doc["error"] = e.Msg

	return doc
}

func notFound(format string, args ...any) *OpError {
	return &OpError{
		Kind: KindNotFound,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func invalidTransition(format string, args ...any) *OpError {
	return &OpError{
		Kind: KindInvalidTransition,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func invalidInput(format string, args ...any) *OpError {
	return &OpError{
		Kind: KindInvalidInput,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func forbidden(format string, args ...any) *OpError {
	return &OpError{
		Kind: KindForbidden,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func staleClaim(format string, args ...any) *OpError {
	return &OpError{
		Kind: KindStaleClaim,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func unauthorized(format string, args ...any) *OpError {
	return &OpError{
		Kind: KindUnauthorized,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func invalidDiff(format string, args ...any) *OpError {
	return &OpError{
		Kind: KindInvalidDiff,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func invalidCounterPatch(format string, args ...any) *OpError {
	return &OpError{
		Kind: KindInvalidCounter,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func staleCounterPatch(format string, args ...any) *OpError {
	return &OpError{
		Kind: KindStaleCounter,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// cooldownActive carries the retry hint so callers can back off instead of
// hammering the spawn path.
func cooldownActive(retryAfterSeconds float64) *OpError {
	return &OpError{
		Kind: KindCooldownActive,
		Msg: fmt.Sprintf("spawn cooldown active, retry in %.1fs",
			retryAfterSeconds),
		Extra: map[string]any{
			"retry_after_seconds": retryAfterSeconds,
		},
	}
}

func poolCapReached(format string, args ...any) *OpError {
	return &OpError{
		Kind: KindPoolCapReached,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// internalErr wraps a store or infrastructure failure, naming the failing
// operation but keeping driver detail out of the caller-facing message.
func internalErr(op string, err error) *OpError {
	log.Errorf("Internal error in %s: %v", op, err)

	return &OpError{
		Kind: KindInternalStoreError,
		Msg:  fmt.Sprintf("Internal store error in %s", op),
	}
}

// AsOpError unwraps err into an *OpError, wrapping unknown errors as
// internal failures attributed to op.
func AsOpError(op string, err error) *OpError {
	if err == nil {
		return nil
	}

	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr
	}

	return internalErr(op, err)
}
