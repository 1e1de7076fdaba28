package reliability

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/squidgy/internal/streaming"
)

// Kind is the failure taxonomy surfaced to the dashboard.
type Kind string

const (
	KindConcurrentLimit  Kind = "concurrent_limit"
	KindCreditExhaustion Kind = "credit_exhaustion"
	KindAPIError         Kind = "api_error"
	KindGeneral          Kind = "general"
)

var (
	ErrTokenUnavailable = errors.New("avatar access token unavailable")
	ErrInitTimeout      = errors.New("avatar initialization timed out")
)

const (
	msgConcurrentLimit = "The avatar service has reached its concurrent session limit. Please wait a few minutes and try again."
	msgCredits         = "The avatar service rejected the request (400 Bad Request). Please check your account credit balance."
	msgInitFailed      = "Failed to initialize the avatar. Please try again."
)

// Failure is a classified initialization or session error.
type Failure struct {
	Kind    Kind
	Message string
	Err     error
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.Err }

// Classify maps token, SDK and runtime errors onto the failure taxonomy.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var already *Failure
	if errors.As(err, &already) {
		return already
	}

	text := errorText(err)
	switch {
	case strings.Contains(text, "Concurrent limit reached"):
		return &Failure{Kind: KindConcurrentLimit, Message: msgConcurrentLimit, Err: err}
	case errors.Is(err, ErrTokenUnavailable):
		return &Failure{Kind: KindAPIError, Message: msgInitFailed, Err: err}
	case errors.Is(err, ErrInitTimeout):
		return &Failure{Kind: KindGeneral, Message: msgInitFailed, Err: err}
	case isBadRequest(err, text):
		kind := KindAPIError
		if mentionsCredits(text) {
			kind = KindCreditExhaustion
		}
		return &Failure{Kind: kind, Message: msgCredits, Err: err}
	default:
		return &Failure{Kind: KindGeneral, Message: err.Error(), Err: err}
	}
}

// IsUnauthorized reports whether err is the vendor's expected complaint when stopping an
// already-expired session.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *streaming.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unauthorized")
}

func errorText(err error) string {
	text := err.Error()
	var apiErr *streaming.APIError
	if errors.As(err, &apiErr) && apiErr.ResponseText != "" && !strings.Contains(text, apiErr.ResponseText) {
		text += " " + apiErr.ResponseText
	}
	return text
}

func isBadRequest(err error, text string) bool {
	var apiErr *streaming.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
		return true
	}
	return strings.Contains(text, "400") || strings.Contains(text, "Bad Request")
}

func mentionsCredits(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range []string{"credit", "quota", "insufficient", "balance"} {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
