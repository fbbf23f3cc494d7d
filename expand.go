package rebac

import (
	"context"
	"fmt"
)

// ============================================================================
// EXPAND
// ============================================================================

// ContributionNode is one node of the tree Expand returns: which rewrite
// branches and stored tuples make up a userset. This nodes carry the stored
// subjects; userset subjects additionally expand into child nodes. An
// exclusion node has exactly two children, base then subtract.
type ContributionNode struct {
	Kind     string              `json:"kind"`
	Relation string              `json:"relation"`
	Object   ObjectRef           `json:"object"`
	Subjects []SubjectRef        `json:"subjects,omitempty"`
	Children []*ContributionNode `json:"children,omitempty"`
}

// expand builds the contribution tree for relation on object. It shares the
// checker's budgets and storage access but never short-circuits: every
// branch is walked so the caller sees the whole shape of the userset.
func (c *checker) expand(ctx context.Context, st *resolveState, relation string, object ObjectRef, depth int) (*ContributionNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckTimeout, err)
	}
	if depth > c.maxDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrGraphLimitExceeded, depth)
	}
	st.nodes++
	if st.nodes > c.maxNodes {
		return nil, fmt.Errorf("%w: %d nodes visited", ErrGraphLimitExceeded, st.nodes)
	}

	key := relation + "@" + object.Key()
	if st.visited[key] {
		c.log.Debug("expand cycle detected", "tenant", st.tenantID, "node", key)
		return &ContributionNode{Kind: "cycle", Relation: relation, Object: object}, nil
	}
	st.visited[key] = true
	defer delete(st.visited, key)

	rw, err := c.namespaces.Relation(object.Type, relation)
	if err != nil {
		return &ContributionNode{Kind: "undefined", Relation: relation, Object: object}, nil
	}
	return c.expandRewrite(ctx, st, rw, relation, object, depth)
}

func (c *checker) expandRewrite(ctx context.Context, st *resolveState, rw *Rewrite, relation string, object ObjectRef, depth int) (*ContributionNode, error) {
	node := &ContributionNode{Kind: rw.Kind.String(), Relation: relation, Object: object}
	switch rw.Kind {
	case RewriteThis:
		st.queries++
		tuples, err := c.tuples.Scan(ctx, st.tenantID, TupleFilter{
			ObjectType: object.Type,
			ObjectID:   object.ID,
			Relation:   relation,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: expand scan %s#%s: %v", ErrStorageUnavailable, object, relation, err)
		}
		for _, t := range tuples {
			node.Subjects = append(node.Subjects, t.Subject)
			if t.Subject.IsUserset() {
				child, err := c.expand(ctx, st, t.Subject.Relation, t.Subject.Object, depth+1)
				if err != nil {
					return nil, err
				}
				node.Children = append(node.Children, child)
			}
		}
		return node, nil

	case RewriteComputedUserset:
		child, err := c.expand(ctx, st, rw.Relation, object, depth+1)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
		return node, nil

	case RewriteTupleToUserset:
		st.queries++
		hops, err := c.tuples.Scan(ctx, st.tenantID, TupleFilter{
			ObjectType: object.Type,
			ObjectID:   object.ID,
			Relation:   rw.Tupleset,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: expand tupleset %s#%s: %v", ErrStorageUnavailable, object, rw.Tupleset, err)
		}
		for _, t := range hops {
			child, err := c.expand(ctx, st, rw.Computed, t.Subject.Object, depth+1)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		return node, nil

	case RewriteUnion, RewriteIntersection:
		for _, cr := range rw.Children {
			child, err := c.expandRewrite(ctx, st, cr, relation, object, depth)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		return node, nil

	case RewriteExclusion:
		base, err := c.expandRewrite(ctx, st, rw.Base, relation, object, depth)
		if err != nil {
			return nil, err
		}
		subtract, err := c.expandRewrite(ctx, st, rw.Subtract, relation, object, depth)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, base, subtract)
		return node, nil
	}
	return nil, fmt.Errorf("%w: unknown rewrite kind %d", ErrInvalidNamespace, rw.Kind)
}

// Flatten returns every concrete subject mentioned anywhere in the tree,
// deduplicated, in first-seen order. Useful for "who can access this"
// tooling built on Expand.
func (n *ContributionNode) Flatten() []SubjectRef {
	seen := make(map[string]bool)
	out := make([]SubjectRef, 0)
	var walk func(node *ContributionNode)
	walk = func(node *ContributionNode) {
		if node == nil {
			return
		}
		for _, s := range node.Subjects {
			if s.IsUserset() {
				continue
			}
			if !seen[s.Key()] {
				seen[s.Key()] = true
				out = append(out, s)
			}
		}
		for _, c := range node.Children {
			walk(c)
		}
	}
	walk(n)
	return out
}
