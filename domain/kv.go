package domain

import "context"

// Keys under which collections are persisted.
const (
	KeyCurrentUser = "currentUser"
	KeyCustomers   = "customers"
	KeyMechanics   = "mechanics"
	KeyRequests    = "requests"
	KeyMessages    = "messages"
	KeyReviews     = "reviews"
)

// KVStore is durable string storage keyed by name. Get reports found=false for
// absent keys.
type KVStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
