// Package cache provides the versioned response store behind the offline proxy.
//
// A Registry is the namespace of named stores. Each Store maps a request
// identity (method and URL) to a response snapshot. The lifecycle manager
// names stores after the deployed version tag and is the only caller that
// deletes them.
//
// Three registries are provided:
//
//   - RedisRegistry keeps store names in a Redis set and entries in one hash per store
//   - SQLiteRegistry persists stores in a local SQLite file (schema managed by goose)
//   - MemoryRegistry keeps everything in process, for tests and ephemeral agents
//
// # Basic Usage
//
//	registry := cache.NewRedisRegistry(redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	}))
//
//	store, err := registry.Open(ctx, "v1.0")
//	if err != nil {
//		return err
//	}
//
//	entry, err := store.Match(ctx, cache.KeyFor(req), cache.MatchOptions{})
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from network
//	}
//
// # Snapshots
//
// A response body can be read only once. Snapshot reads it into an Entry
// and hands the response a fresh body, so the same response can be returned
// to the client and persisted:
//
//	entry, err := cache.Snapshot(resp, cache.TypeOf(scope, resp))
//	if err != nil {
//		return err
//	}
//	if err := store.Put(ctx, cache.KeyFor(req), entry); err != nil {
//		log.Warn().Err(err).Msg("cache put failed")
//	}
//	return resp, nil
//
// Entry.Response builds a new *http.Response with its own body on every
// call, so a stored entry can be served any number of times.
//
// # Metrics
//
//   - sw_cache_hits_total{store} - Store lookups that found an entry
//   - sw_cache_misses_total - Store lookups that found nothing
//   - sw_cache_errors_total{operation} - Backend failures
//   - sw_cache_stores - Number of stores seen by the last List call
package cache
