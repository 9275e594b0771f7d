package amm

import "fmt"

// Patch creates a new pool set by applying the diff to the old one.
// It uses "Structural Sharing": pools that didn't change are shared by
// reference, changed ones are replaced by the diff's copies. The input slice
// is never mutated.
func Patch(old []*Pool, diff PoolSetDiff) ([]*Pool, error) {
	deleted := make(map[PoolID]bool, len(diff.Deletions))
	for _, id := range diff.Deletions {
		deleted[id] = true
	}

	replaced := make(map[PoolID]*Pool, len(diff.Updates))
	for _, pool := range diff.Updates {
		replaced[pool.ID] = pool
	}

	known := make(map[PoolID]bool, len(old))
	out := make([]*Pool, 0, len(old)+len(diff.Additions))

	for _, pool := range old {
		known[pool.ID] = true
		if deleted[pool.ID] {
			continue
		}
		if repl, ok := replaced[pool.ID]; ok {
			out = append(out, repl)
			delete(replaced, pool.ID)
			continue
		}
		out = append(out, pool)
	}

	if len(replaced) > 0 {
		for id := range replaced {
			return nil, fmt.Errorf("patch: update for unknown pool %x", id)
		}
	}

	for _, pool := range diff.Additions {
		if known[pool.ID] {
			return nil, fmt.Errorf("patch: addition of existing pool %x", pool.ID)
		}
		out = append(out, pool)
	}

	return out, nil
}
