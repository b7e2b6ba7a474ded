package ingest

import (
	"context"

	"github.com/phenolog/phenolog/internal/datastore"
	"github.com/phenolog/phenolog/internal/errors"
)

// Authorizer decides whether an account may act on a location. A nil error
// is the positive signal; ingestion never proceeds without it.
type Authorizer interface {
	Authorize(ctx context.Context, accountID string, location *datastore.Location) error
}

// AuthorizerFunc adapts a function to Authorizer
type AuthorizerFunc func(ctx context.Context, accountID string, location *datastore.Location) error

// Authorize implements Authorizer
func (f AuthorizerFunc) Authorize(ctx context.Context, accountID string, location *datastore.Location) error {
	return f(ctx, accountID, location)
}

// OwnerAuthorizer allows the account that owns the location
type OwnerAuthorizer struct{}

// Authorize implements Authorizer
func (OwnerAuthorizer) Authorize(_ context.Context, accountID string, location *datastore.Location) error {
	if accountID == "" || location == nil || location.AccountID != accountID {
		return errors.Newf("account is not allowed to act on this location").
			Component("ingest").
			Category(errors.CategoryAuthorization).
			Context("account_id", accountID).
			Build()
	}
	return nil
}
