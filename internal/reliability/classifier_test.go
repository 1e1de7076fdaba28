package reliability

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ent0n29/squidgy/internal/streaming"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		want     Kind
		contains string
	}{
		{
			name:     "concurrent limit in response text",
			err:      &streaming.APIError{Status: 400, Message: "API request failed with status 400", ResponseText: `{"message":"Concurrent limit reached"}`},
			want:     KindConcurrentLimit,
			contains: "wait",
		},
		{
			name:     "plain 400 message",
			err:      errors.New("API request failed with status 400"),
			want:     KindAPIError,
			contains: "credit",
		},
		{
			name:     "400 mentioning quota",
			err:      &streaming.APIError{Status: 400, Message: "API request failed with status 400", ResponseText: "insufficient quota"},
			want:     KindCreditExhaustion,
			contains: "account",
		},
		{
			name:     "token unavailable",
			err:      fmt.Errorf("%w: status 500", ErrTokenUnavailable),
			want:     KindAPIError,
			contains: "Failed to initialize",
		},
		{
			name:     "token endpoint rejecting with 400",
			err:      fmt.Errorf("%w: status 400: Bad Request", ErrTokenUnavailable),
			want:     KindAPIError,
			contains: "Failed to initialize",
		},
		{
			name:     "watchdog timeout",
			err:      ErrInitTimeout,
			want:     KindGeneral,
			contains: "Failed to initialize",
		},
		{
			name:     "anything else surfaces as-is",
			err:      errors.New("webrtc negotiation failed"),
			want:     KindGeneral,
			contains: "webrtc negotiation failed",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			if got.Kind != tc.want {
				t.Fatalf("Classify().Kind = %q, want %q", got.Kind, tc.want)
			}
			if !strings.Contains(got.Message, tc.contains) {
				t.Fatalf("Classify().Message = %q, want it to contain %q", got.Message, tc.contains)
			}
			if !errors.Is(got, tc.err) {
				t.Fatalf("Classify() does not wrap %v", tc.err)
			}
		})
	}
}

func TestClassifyPassesThroughFailure(t *testing.T) {
	f := &Failure{Kind: KindConcurrentLimit, Message: "busy"}
	if got := Classify(fmt.Errorf("wrapped: %w", f)); got != f {
		t.Fatalf("Classify() = %v, want the wrapped failure itself", got)
	}
	if got := Classify(nil); got != nil {
		t.Fatalf("Classify(nil) = %v, want nil", got)
	}
}

func TestIsUnauthorized(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&streaming.APIError{Status: 401, Message: "API request failed with status 401"}, true},
		{errors.New("Unauthorized"), true},
		{errors.New("connection reset"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsUnauthorized(tt.err); got != tt.want {
			t.Fatalf("IsUnauthorized(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
