package schema

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// CachingProvider memoises descriptors per dataset for ttl. Failed fetches
// are not cached.
type CachingProvider struct {
	next  Provider
	cache *ttlcache.Cache[string, Descriptor]
}

func NewCachingProvider(next Provider, ttl time.Duration) *CachingProvider {
	return &CachingProvider{
		next:  next,
		cache: ttlcache.New(ttlcache.WithTTL[string, Descriptor](ttl), ttlcache.WithDisableTouchOnHit[string, Descriptor]()),
	}
}

func (p *CachingProvider) FetchSchema(ctx context.Context, datasetID string) (Descriptor, error) {
	if item := p.cache.Get(datasetID); item != nil {
		return item.Value(), nil
	}
	descriptor, err := p.next.FetchSchema(ctx, datasetID)
	if err != nil {
		return Descriptor{}, Fail(datasetID, err)
	}
	p.cache.Set(datasetID, descriptor, ttlcache.DefaultTTL)
	return descriptor, nil
}

// Invalidate drops the cached descriptor so the next fetch regenerates it.
func (p *CachingProvider) Invalidate(datasetID string) {
	p.cache.Delete(datasetID)
}

// Refresher is implemented by providers that keep their own copy of a
// dataset and can reload it.
type Refresher interface {
	Refresh(ctx context.Context, datasetID string) error
}

// Refresh drops the cached descriptor and reloads the wrapped provider's
// data when it keeps any.
func (p *CachingProvider) Refresh(ctx context.Context, datasetID string) error {
	p.Invalidate(datasetID)
	if refresher, ok := p.next.(Refresher); ok {
		if err := refresher.Refresh(ctx, datasetID); err != nil {
			return Fail(datasetID, err)
		}
	}
	return nil
}
