package remote

import (
	"context"

	"fadedreams/autofix/domain"
)

// WithFeed serves queries and writes from base and subscriptions from f.
func WithFeed(base domain.RemoteService, f domain.ChangeFeed) domain.RemoteService {
	return &composite{RemoteService: base, feed: f}
}

type composite struct {
	domain.RemoteService
	feed domain.ChangeFeed
}

func (c *composite) Subscribe(ctx context.Context, spec domain.SubscriptionSpec, onEvent func(domain.ChangeEvent)) (domain.Subscription, error) {
	return c.feed.Subscribe(ctx, spec, onEvent)
}
