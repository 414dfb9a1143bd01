package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/conduitlabs/ibxpub/store"
	"github.com/conduitlabs/ibxpub/tenant"
	"github.com/conduitlabs/ibxpub/worker"
)

// Handler implements worker.Handler for C8: it is the one consumer of
// event_outbox that does not filter by event_type — every event that
// reaches "pending" eventually passes through here on its way to the
// configured external sink.
type Handler struct {
	Transport Transport
	Tenant    *tenant.Validator
	LagFunc   func(lag time.Duration) // optional metrics hook; nil is a no-op
	Now       func() time.Time        // overridable for tests; defaults to time.Now
}

// New builds a Handler around the given transport and tenant validator.
func New(t Transport, tv *tenant.Validator) *Handler {
	return &Handler{Transport: t, Tenant: tv}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Handle validates the tenant, delivers the event through the configured
// transport, and classifies the result. unsupported_scheme and
// forbidden_address are both non-retriable: a webhook URL that is
// misconfigured or resolves to a disallowed host will never succeed on
// retry, so there is no point burning the retry budget on it.
func (h *Handler) Handle(ctx context.Context, ev store.OutboxEvent) worker.Outcome {
	if h.LagFunc != nil {
		h.LagFunc(h.now().Sub(time.Unix(ev.CreatedAt, 0)))
	}

	switch res := h.Tenant.Validate(ev.TenantID); res.Reason {
	case tenant.ReasonMissing:
		return worker.Terminal(worker.TenantMissing, fmt.Errorf("publish: tenant id missing"))
	case tenant.ReasonMalformed:
		return worker.Terminal(worker.TenantMalformed, fmt.Errorf("publish: tenant id malformed"))
	case tenant.ReasonUnknown:
		return worker.Terminal(worker.TenantUnknown, fmt.Errorf("publish: tenant %q not in allowlist", ev.TenantID))
	}

	traceID := ""
	if ev.TraceID.Valid {
		traceID = ev.TraceID.String
	}

	result := h.Transport.Publish(ctx, ev.TenantID, ev.EventType, ev.PayloadJSON, traceID)
	if result.OK {
		return worker.Success()
	}

	switch result.Error {
	case ErrUnsupportedScheme:
		return worker.Terminal(worker.UnsupportedScheme, fmt.Errorf("publish: %s", ErrUnsupportedScheme))
	case ErrForbiddenAddress:
		return worker.Terminal(worker.ForbiddenAddress, fmt.Errorf("publish: %s", ErrForbiddenAddress))
	default:
		// result.Error is the bare cause (e.g. "http_500", "timeout"); keep it
		// unwrapped so it survives unchanged into dead_letters.reason on retry
		// exhaustion rather than picking up a "publish: <transport>: " prefix.
		return worker.Retriable(fmt.Errorf("%s", result.Error))
	}
}
