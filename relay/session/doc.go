// Package session provides the in-memory session store for photo relay.
//
// The session package implements:
//   - Random, collision-checked session identifiers (UUIDv4)
//   - Wholesale replacement of a session's photo list on every submission
//   - End-of-session handling with a configurable clear or delete policy
//   - Optional eviction of idle sessions
//
// Core Types:
//
// Store owns every session record of the process. Session is a value copy
// handed out to callers; mutating it never affects the store.
//
// Lookups:
//
// Get never fails: an unknown identifier yields an empty photo list so
// late joiners holding a stale identifier simply see nothing. Lookup reports
// existence explicitly for callers that must answer "not found".
//
// Concurrency:
//
// All operations are safe for concurrent use. The latest submission to a
// session wins; lists are never merged.
//
// Usage:
//
//	store := session.NewStore(session.EndClear)
//
//	id, err := store.Create()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	_ = store.Submit(id, []string{"data:image/jpeg;base64,..."})
//	photos := store.Get(id).Photos
package session
