package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// ErrUnauthorized indicates the request carried no valid identity.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller. Every handler derives its
// organization scope from here, never from the request body.
type Identity struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
}

// Authorizer resolves the caller's identity from a request.
type Authorizer interface {
	Authorize(ctx context.Context, r *http.Request) (Identity, error)
}

// Identity header names populated by the fronting gateway.
const (
	HeaderUserID         = "X-User-Id"
	HeaderOrganizationID = "X-Organization-Id"
)

// HeaderAuthorizer trusts identity headers set by an authenticating reverse
// proxy. Only safe behind a gateway that strips these headers from client
// traffic; stand-alone deployments must supply their own Authorizer.
type HeaderAuthorizer struct{}

// Authorize implements Authorizer.
func (HeaderAuthorizer) Authorize(_ context.Context, r *http.Request) (Identity, error) {
	orgID, err := uuid.Parse(r.Header.Get(HeaderOrganizationID))
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	userID, err := uuid.Parse(r.Header.Get(HeaderUserID))
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: userID, OrganizationID: orgID}, nil
}
