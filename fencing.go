package rebac

import (
	"context"
	"fmt"

	"github.com/oarkflow/rebac/logger"
)

// ============================================================================
// FENCING TOKENS
// ============================================================================

// TokenManager hands out monotonically increasing fencing tokens per object.
// Every write bumps the object and its whole ancestor chain, so a token
// captured before a write anywhere on the path is distinguishable from one
// captured after. Decision cache entries embed the token they were computed
// under and die automatically when it moves on.
type TokenManager struct {
	counters CounterStore
	log      logger.Logger
}

func NewTokenManager(counters CounterStore, log logger.Logger) *TokenManager {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &TokenManager{counters: counters, log: log}
}

// Current reads the object's token without changing it. Objects never
// written to sit at zero.
func (m *TokenManager) Current(ctx context.Context, tenantID string, object ObjectRef) (uint64, error) {
	v, err := m.counters.Current(ctx, tenantID, object.Key())
	if err != nil {
		return 0, fmt.Errorf("%w: token read %s: %v", ErrStorageUnavailable, object, err)
	}
	return v, nil
}

// ChainVersion reads the object's token and the combined version of its
// whole hierarchy chain (the object's token plus every ancestor's). A check
// on a nested object depends on tuples anywhere along the path, so cache
// entries are keyed by the chain version: a write to any ancestor moves it
// and strands every descendant entry computed under the old one.
func (m *TokenManager) ChainVersion(ctx context.Context, tenantID string, object ObjectRef, ancestors []ObjectRef) (token, version uint64, err error) {
	token, err = m.Current(ctx, tenantID, object)
	if err != nil {
		return 0, 0, err
	}
	version = token
	for _, anc := range ancestors {
		v, err := m.counters.Current(ctx, tenantID, anc.Key())
		if err != nil {
			return 0, 0, fmt.Errorf("%w: token read %s: %v", ErrStorageUnavailable, anc, err)
		}
		version += v
	}
	return token, version, nil
}

// Bump atomically increments the token of each object in order (the written
// object first, then its ancestors) and returns the new token of every
// object, written object first. Each increment is atomic in the counter
// store; two racing writers always observe distinct values.
func (m *TokenManager) Bump(ctx context.Context, tenantID string, objects []ObjectRef) ([]uint64, error) {
	versions := make([]uint64, len(objects))
	for i, obj := range objects {
		v, err := m.counters.Increment(ctx, tenantID, obj.Key())
		if err != nil {
			return nil, fmt.Errorf("%w: token bump %s: %v", ErrStorageUnavailable, obj, err)
		}
		versions[i] = v
	}
	var first uint64
	if len(versions) > 0 {
		first = versions[0]
	}
	m.log.Debug("fencing bumped", "tenant", tenantID, "objects", len(objects), "token", int(first))
	return versions, nil
}

// chainVersions turns the freshly bumped counter values of a hierarchy chain
// into each chain member's new chain version: the suffix sum, since an
// object's chain is itself plus everything above it.
func chainVersions(versions []uint64) []uint64 {
	out := make([]uint64, len(versions))
	var sum uint64
	for i := len(versions) - 1; i >= 0; i-- {
		sum += versions[i]
		out[i] = sum
	}
	return out
}
