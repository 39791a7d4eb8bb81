package testutil

import (
	"net/http"

	id "mutuelle/pkg/domain"
	"mutuelle/pkg/requestcontext"
)

// WithActor adds an asserted actor to the request context, as the identity
// middleware would after verifying the assertion.
func WithActor(req *http.Request, actorID string, role id.Role) *http.Request {
	ctx := requestcontext.WithActor(req.Context(), id.Actor{ID: id.ActorID(actorID), Role: role})
	return req.WithContext(ctx)
}
