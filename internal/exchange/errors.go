package exchange

import "errors"

// The exchange client classifies every failure into one of three outcome
// classes (spec §4.1/§9's "outcome ladder") so callers branch on error
// class via errors.Is rather than string-matching status codes.
var (
	// ErrTransient covers network errors, 5xx responses, and rate-limiting.
	// doRequest has already retried with the bounded backoff policy
	// (1s/2s/4s, 3 attempts) before returning it.
	ErrTransient = errors.New("exchange: transient error")

	// ErrAuth covers an expired or rejected session token. doRequest has
	// already attempted its one re-authentication per tick before
	// returning it.
	ErrAuth = errors.New("exchange: authentication error")

	// ErrMalformed covers responses that parse as JSON but are missing
	// fields or hold the wrong type. The caller treats the result as empty
	// and logs it; it never panics.
	ErrMalformed = errors.New("exchange: malformed response")
)
