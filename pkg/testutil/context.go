package testutil

import (
	"net/http"

	id "certchain/pkg/domain"
	"certchain/pkg/requestcontext"
)

// WithUserID does what the auth middleware does for a valid token.
func WithUserID(req *http.Request, userID id.UserID) *http.Request {
	return req.WithContext(requestcontext.WithUserID(req.Context(), userID))
}
