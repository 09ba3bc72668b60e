package slack

import (
	"errors"
	"time"

	slackapi "github.com/slack-go/slack"
)

// ErrorKind is the closed classification the orchestrator and retry wrapper
// branch on. Raw Slack error strings never leave this package.
type ErrorKind int

const (
	// KindOther is any terminal failure for this attempt.
	KindOther ErrorKind = iota
	// KindRateLimited is retryable; RetryAfter carries the server hint.
	KindRateLimited
	// KindMembership means the target cannot be addressed privately in the
	// channel (bot or user not a member, or channel unresolvable).
	KindMembership
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindMembership:
		return "membership"
	default:
		return "other"
	}
}

// SendError is the typed result of a failed Slack call.
type SendError struct {
	Kind       ErrorKind
	RetryAfter time.Duration // only set for KindRateLimited
	Code       string        // Slack API error code when available
	Err        error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *SendError) Unwrap() error { return e.Err }

// membershipCodes are the chat.postEphemeral failures that trigger the
// channel-wide fallback.
var membershipCodes = map[string]bool{
	"not_in_channel":      true,
	"channel_not_found":   true,
	"user_not_in_channel": true,
}

// Classify wraps an error from the Slack SDK into a SendError. Already
// classified errors pass through unchanged.
func Classify(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	var rl *slackapi.RateLimitedError
	if errors.As(err, &rl) {
		return &SendError{Kind: KindRateLimited, RetryAfter: rl.RetryAfter, Code: "rate_limited", Err: err}
	}
	// The SDK surfaces Web API failures as errors whose message is the API
	// error code (e.g. "not_in_channel").
	if code := err.Error(); membershipCodes[code] {
		return &SendError{Kind: KindMembership, Code: code, Err: err}
	}
	return &SendError{Kind: KindOther, Err: err}
}
