package ingestion

import (
	"context"
	"strings"

	"github.com/patrickmn/go-cache"

	"siope-etl/db"
)

// lookup resolves reference documents through a worker-local cache.
// Reference tables are small and read-only while a pass runs, so entries
// never expire. Misses are cached as well.
type lookup struct {
	store db.Store
	cache *cache.Cache
}

type cached struct {
	value interface{}
	found bool
}

func newLookup(store db.Store) *lookup {
	return &lookup{store: store, cache: cache.New(cache.NoExpiration, 0)}
}

// find decodes the first document of collection matching filter into a new
// T. The cache key is the collection plus the given key parts.
func find[T any](ctx context.Context, l *lookup, collection string, filter db.Filter, key ...string) (T, bool, error) {
	k := collection + "|" + strings.Join(key, "|")
	if hit, ok := l.cache.Get(k); ok {
		c := hit.(cached)
		if !c.found {
			var zero T
			return zero, false, nil
		}
		return c.value.(T), true, nil
	}

	var out T
	found, err := l.store.FindOne(ctx, collection, filter, &out)
	if err != nil {
		return out, false, err
	}
	l.cache.Set(k, cached{value: out, found: found}, cache.NoExpiration)
	return out, found, nil
}
