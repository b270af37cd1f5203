package summarize

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// KindTransient failures may succeed on a later attempt.
	KindTransient Kind = iota
	// KindPermanent failures will not succeed for this input.
	KindPermanent
	// KindAuth means the credentials were rejected; no item can succeed.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Error struct {
	Kind     Kind
	Provider string
	Status   int
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	if e.Status != 0 {
		return fmt.Sprintf("summarize: %s API %d: %s", e.Provider, e.Status, msg)
	}
	return fmt.Sprintf("summarize: %s: %s", e.Provider, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-200 response to a failure kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	}
	return KindTransient
}

func kindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying. Errors that did not come
// from a provider (network failures, timeouts) count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	k, ok := kindOf(err)
	return !ok || k == KindTransient
}

func IsPermanent(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindPermanent
}

func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

func transportError(ctx context.Context, provider string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &Error{Kind: KindTransient, Provider: provider, Msg: "request failed", Err: err}
}
