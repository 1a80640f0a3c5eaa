package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// Kind classifies gateway failures.
type Kind string

const (
	Timeout     Kind = "TIMEOUT"
	Rejected    Kind = "REJECTED"
	Malformed   Kind = "MALFORMED"
	Unavailable Kind = "UNAVAILABLE"
)

// Sentinels matched by errors.Is against an *UpstreamError of the same kind.
var (
	ErrTimeout     = errors.New("upstream timeout")
	ErrRejected    = errors.New("upstream rejected request")
	ErrMalformed   = errors.New("upstream response malformed")
	ErrUnavailable = errors.New("upstream unavailable")
)

// UpstreamError is the normalised form of every gateway failure.
type UpstreamError struct {
	Kind   Kind
	Op     string
	Status int // HTTP status when the upstream answered, else 0
	Err    error
}

func (e *UpstreamError) Error() string {
	msg := "llm"
	if e.Op != "" {
		msg += " " + e.Op
	}
	msg += ": " + string(e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *UpstreamError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Retryable reports whether a later attempt may succeed.
func (e *UpstreamError) Retryable() bool {
	return e.Kind == Timeout || e.Kind == Unavailable
}

func (k Kind) sentinel() error {
	switch k {
	case Timeout:
		return ErrTimeout
	case Rejected:
		return ErrRejected
	case Malformed:
		return ErrMalformed
	case Unavailable:
		return ErrUnavailable
	}
	return nil
}

// classify maps a go-openai or transport error to an *UpstreamError.
func classify(op string, err error) *UpstreamError {
	var uerr *UpstreamError
	if errors.As(err, &uerr) {
		if uerr.Op == "" {
			uerr.Op = op
		}
		return uerr
	}

	out := &UpstreamError{Op: op, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		out.Status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		out.Status = reqErr.HTTPStatusCode
	}
	if out.Status != 0 {
		out.Kind = kindForStatus(out.Status)
		return out
	}

	var netErr net.Error
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = Timeout
	case errors.As(err, &netErr) && netErr.Timeout():
		out.Kind = Timeout
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr),
		errors.Is(err, openai.ErrTooManyEmptyStreamMessages):
		out.Kind = Malformed
	default:
		out.Kind = Unavailable
	}
	return out
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return Timeout
	case status == http.StatusTooManyRequests, status >= 500:
		return Unavailable
	case status >= 400:
		return Rejected
	default:
		return Malformed
	}
}
