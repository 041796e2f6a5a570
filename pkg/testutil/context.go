package testutil

import (
	"net/http"

	"dunning/pkg/requestcontext"
)

// WithActor names the acting retailer user on the request, as the actor
// middleware would from the X-Retailer-User header.
func WithActor(req *http.Request, actor string) *http.Request {
	return req.WithContext(requestcontext.WithActor(req.Context(), actor))
}
