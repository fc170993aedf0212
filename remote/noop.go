package remote

import (
	"context"

	"fadedreams/autofix/domain"
)

// Noop is the remote service of the local demo mode: writes succeed without
// leaving the device, reads are empty and no change events ever arrive.
type Noop struct{}

func (Noop) Select(context.Context, domain.Query) ([]domain.Row, error) { return nil, nil }

func (Noop) Insert(_ context.Context, _ string, row domain.Row) (domain.Row, error) {
	return row.Clone(), nil
}

func (Noop) Update(context.Context, string, []domain.Filter, domain.Row) (int64, error) {
	return 0, nil
}

func (Noop) Subscribe(context.Context, domain.SubscriptionSpec, func(domain.ChangeEvent)) (domain.Subscription, error) {
	return noopSubscription{}, nil
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() error { return nil }
