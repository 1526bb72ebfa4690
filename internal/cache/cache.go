// Package cache provides the bounded in-memory cache that distributed worker nodes keep their
// reconstructed workers in.
package cache

import (
	"sync"
	"time"

	"github.com/Yiling-J/theine-go"
)

const defaultMaxCacheSize = 1000

// InMemoryCache is a general purpose cache to store things in memory.
type InMemoryCache[T any] interface {
	// Get returns the value stored under key and whether it was found.
	Get(key string) (T, bool)
	Set(key string, value T, ttl time.Duration)
	Delete(key string)

	// Stop cleans resources.
	Stop()
}

type TheineCache[T any] struct {
	client      *theine.Cache[string, T]
	maxElements int64
	closeOnce   *sync.Once
}

type TheineCacheOpt[T any] func(i *TheineCache[T])

func WithMaxCacheSize[T any](maxElements int64) TheineCacheOpt[T] {
	return func(i *TheineCache[T]) {
		i.maxElements = maxElements
	}
}

var _ InMemoryCache[any] = (*TheineCache[any])(nil)

func NewTheineCache[T any](opts ...TheineCacheOpt[T]) (*TheineCache[T], error) {
	t := &TheineCache[T]{
		maxElements: defaultMaxCacheSize,
		closeOnce:   &sync.Once{},
	}

	for _, opt := range opts {
		opt(t)
	}

	client, err := theine.NewBuilder[string, T](t.maxElements).Build()
	if err != nil {
		return nil, err
	}
	t.client = client
	return t, nil
}

func (i *TheineCache[T]) Get(key string) (T, bool) {
	return i.client.Get(key)
}

// Set stores value under key. A ttl of zero keeps the entry until it is evicted for size.
func (i *TheineCache[T]) Set(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		i.client.Set(key, value, 1)
		return
	}
	i.client.SetWithTTL(key, value, 1, ttl)
}

func (i *TheineCache[T]) Delete(key string) {
	i.client.Delete(key)
}

func (i *TheineCache[T]) Stop() {
	i.closeOnce.Do(func() {
		i.client.Close()
	})
}
