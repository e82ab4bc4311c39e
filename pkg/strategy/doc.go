// Package strategy resolves intercepted requests against the network and the
// active response store.
//
// Three strategies exist, one per request class:
//
//   - NetworkFirst (navigation): live fetch, returned unmodified and never
//     stored. On network failure the cached root document is served, or the
//     offline page when there is none.
//   - CacheFirst (static assets): a stored entry is returned without any
//     network contact. Misses are fetched and, when cacheable, stored before
//     the response is handed back. Failed image fetches get a placeholder.
//   - TimedRace (generic): the network races a cache lookup and a timeout.
//     A cache lookup only counts when it hits. After a timeout or network
//     failure the fallback chain is cache, offline page for HTML-accepting
//     requests, then one untimed network retry. Only a failed retry
//     surfaces an error.
//
// A race loser never reaches the caller: a late network response is drained
// and closed in the background, a late cache result is dropped.
package strategy
