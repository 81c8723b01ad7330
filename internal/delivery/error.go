package delivery

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
)

// Kind classifies a delivery failure
type Kind string

const (
	// KindPermanent failures (bad address, auth rejected, content rejected)
	// are never retried
	KindPermanent Kind = "permanent"
	// KindTransient failures (network, timeout, 4xx) are retried with
	// backoff and then failed over
	KindTransient Kind = "transient"
	// KindRateLimited is transient at the transport level but also feeds
	// the provider health signal
	KindRateLimited Kind = "rate_limited"
)

// Error is a classified delivery failure
type Error struct {
	Kind       Kind
	ProviderID string
	Message    string
}

func (e *Error) Error() string {
	return e.Message
}

// Retryable reports whether another attempt may succeed
func (e *Error) Retryable() bool {
	return e.Kind != KindPermanent
}

// smtpCodePattern matches SMTP reply codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b([245]\d{2})\b`)

// rate-limit phrasing used by common providers alongside 421/450 replies
var throttleHints = []string{
	"rate limit", "ratelimit", "too many", "throttl", "try again later", "4.7.0",
}

// Classify maps a raw transport error onto the failure taxonomy. SMTP 5xx
// replies are permanent, 4xx transient; throttling phrasing upgrades a
// transient failure to rate_limited. Unrecognized errors default to
// transient, matching how an ambiguous network failure must be treated.
func Classify(err error, providerID string) *Error {
	if err == nil {
		return nil
	}

	var de *Error
	if errors.As(err, &de) {
		return de
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	out := &Error{Kind: KindTransient, ProviderID: providerID, Message: msg}

	if errors.Is(err, context.DeadlineExceeded) {
		return out
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return out
	}

	if m := smtpCodePattern.FindStringSubmatch(msg); len(m) > 1 {
		switch m[1][0] {
		case '5':
			out.Kind = KindPermanent
		case '4':
			out.Kind = KindTransient
		}
	}

	// auth and addressing failures are permanent regardless of code
	if strings.Contains(lower, "authentication failed") ||
		strings.Contains(lower, "auth failed") ||
		strings.Contains(lower, "invalid recipient") ||
		strings.Contains(lower, "no such user") {
		out.Kind = KindPermanent
	}

	if out.Kind != KindPermanent {
		for _, hint := range throttleHints {
			if strings.Contains(lower, hint) {
				out.Kind = KindRateLimited
				break
			}
		}
	}

	return out
}
