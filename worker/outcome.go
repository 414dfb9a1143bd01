package worker

import "github.com/conduitlabs/ibxpub/outbox"

// ErrorKind is the closed taxonomy of terminal failure reasons a Handler can
// report. Each value is also the reason string written to dead_letters and
// event_outbox.last_error, so it must stay stable once a handler ships.
type ErrorKind string

const (
	ValidationError   ErrorKind = "validation_error"
	UnsupportedMIME   ErrorKind = "unsupported_mime"
	SizeLimit         ErrorKind = "size_limit"
	UnsupportedScheme ErrorKind = "unsupported_scheme"
	ForbiddenAddress  ErrorKind = "forbidden_address"
	RedirectLimit     ErrorKind = "redirect_limit"
	RemoteTimeout     ErrorKind = "remote_timeout"
	IOError           ErrorKind = "io_error"
	TenantMissing     ErrorKind = "tenant_missing"
	TenantMalformed   ErrorKind = "tenant_malformed"
	TenantUnknown     ErrorKind = "tenant_unknown"
	HashDuplicate     ErrorKind = "hash_duplicate"
	ParseError        ErrorKind = "parse_error"
)

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetriable
	outcomeTerminal
)

// Outcome is the sum type a Handler returns: exactly one of Success,
// Retriable, or Terminal. There is no bare error return — a handler cannot
// forget to classify its own failure the way a caught-and-rethrown exception
// can.
type Outcome struct {
	kind      outcomeKind
	followOns []outbox.Draft
	cause     error
	errKind   ErrorKind
}

// Success acknowledges the event and enqueues zero or more follow-on events
// in the same transaction that marks it sent.
func Success(followOns ...outbox.Draft) Outcome {
	return Outcome{kind: outcomeSuccess, followOns: followOns}
}

// Retriable returns the event to pending with an advanced next_attempt_at,
// per the runner's configured backoff schedule. Once the retry budget is
// exhausted the runner itself converts this into a Terminal(io_error).
func Retriable(cause error) Outcome {
	return Outcome{kind: outcomeRetriable, cause: cause}
}

// Terminal dead-letters the event immediately, with no further retries.
func Terminal(kind ErrorKind, cause error) Outcome {
	return Outcome{kind: outcomeTerminal, errKind: kind, cause: cause}
}

// Cause returns the underlying error, if any (nil for a bare Success).
func (o Outcome) Cause() error { return o.cause }
