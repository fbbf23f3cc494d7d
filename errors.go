package rebac

import "errors"

// ============================================================================
// ERROR KINDS
// ============================================================================

// Sentinel errors returned by the engine. Callers classify failures with
// errors.Is. A denied check is a nil-error result with Allowed=false; an
// error means the engine could not determine an answer.
var (
	// ErrInvalidNamespace reports an object type or relation that no loaded
	// namespace defines.
	ErrInvalidNamespace = errors.New("rebac: invalid namespace")

	// ErrCrossTenantAccess reports a request whose subject or object is pinned
	// to a tenant other than the request tenant.
	ErrCrossTenantAccess = errors.New("rebac: cross-tenant access")

	// ErrGraphLimitExceeded reports a traversal that exhausted the depth or
	// node budget. The accompanying decision is a fail-closed deny.
	ErrGraphLimitExceeded = errors.New("rebac: graph limit exceeded")

	// ErrStorageUnavailable reports a tuple store or counter store failure.
	ErrStorageUnavailable = errors.New("rebac: storage unavailable")

	// ErrCheckTimeout reports a check that ran past its wall-clock deadline.
	ErrCheckTimeout = errors.New("rebac: check timed out")
)

// errStaleCache marks a cache entry whose fencing token no longer matches
// the object's current token. It never crosses the public API: the cache
// coordinator swallows it and the caller falls through to evaluation.
var errStaleCache = errors.New("rebac: stale cache entry")
