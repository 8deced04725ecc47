package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries the identity and tenancy of the caller for one
// engine operation. The engine never authenticates or authorizes; it trusts
// that the caller already decided the actor may perform the action and only
// uses these fields for scoping and attribution. It is immutable after
// construction and safe for concurrent reads.
type RequestContext struct {
	// ActorID identifies the user or system performing the operation.
	ActorID string
	// OrgID scopes every read and write to one organization.
	OrgID string
	// CorrelationID ties log lines of one caller-visible operation together.
	CorrelationID string
}

// Validate checks that all mandatory fields are present.
// ActorID and OrgID must be non-empty.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.ActorID == "" {
		errs = append(errs, fmt.Errorf("ActorID is required"))
	}
	if rc.OrgID == "" {
		errs = append(errs, fmt.Errorf("OrgID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context. Core
// operations take the RequestContext as an explicit parameter; the context
// copy exists so logging can enrich records without re-plumbing it.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns
// nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
