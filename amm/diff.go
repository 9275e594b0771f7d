package amm

// PoolSetDiff describes the changes between two observed sets of pools.
type PoolSetDiff struct {
	Additions []*Pool  `json:"additions,omitempty"`
	Updates   []*Pool  `json:"updates,omitempty"`
	Deletions []PoolID `json:"deletions,omitempty"`
}

// IsEmpty returns true if the diff contains no changes.
func (d PoolSetDiff) IsEmpty() bool {
	return len(d.Additions) == 0 && len(d.Updates) == 0 && len(d.Deletions) == 0
}

func poolChanged(old, new *Pool) bool {
	// 1. Compare core dynamic fields

	if old.Initialized != new.Initialized {
		return true
	}

	if old.State.Tick != new.State.Tick {
		return true
	}

	if old.State.SqrtPriceX96.Cmp(new.State.SqrtPriceX96) != 0 {
		return true
	}

	if old.State.Liquidity.Cmp(new.State.Liquidity) != 0 {
		return true
	}

	if !old.State.FeeGrowthGlobal0X128.Eq(new.State.FeeGrowthGlobal0X128) ||
		!old.State.FeeGrowthGlobal1X128.Eq(new.State.FeeGrowthGlobal1X128) {
		return true
	}

	// 2. Compare initialized ticks

	if old.Ticks.Len() != new.Ticks.Len() {
		return true
	}

	for _, tick := range old.Ticks.All() {
		oldRec, _ := old.Ticks.Get(tick)
		newRec, ok := new.Ticks.Get(tick)
		if !ok {
			return true
		}
		if oldRec.LiquidityNet.Cmp(newRec.LiquidityNet) != 0 {
			return true
		}
		if oldRec.LiquidityGross.Cmp(newRec.LiquidityGross) != 0 {
			return true
		}
	}

	// 3. Compare positions

	if len(old.Positions) != len(new.Positions) {
		return true
	}

	for key, oldPos := range old.Positions {
		newPos, ok := new.Positions[key]
		if !ok {
			return true
		}
		if oldPos.Liquidity.Cmp(newPos.Liquidity) != 0 {
			return true
		}
		if !oldPos.FeeGrowthInside0LastX128.Eq(newPos.FeeGrowthInside0LastX128) ||
			!oldPos.FeeGrowthInside1LastX128.Eq(newPos.FeeGrowthInside1LastX128) {
			return true
		}
	}

	// Everything matched
	return false
}

// Differ calculates the difference between two sets of pools. The logic uses
// maps for O(1) average time complexity lookups.
func Differ(old, new []*Pool) PoolSetDiff {
	oldPoolsMap := make(map[PoolID]*Pool, len(old))
	for _, pool := range old {
		oldPoolsMap[pool.ID] = pool
	}

	newPoolsMap := make(map[PoolID]*Pool, len(new))
	for _, pool := range new {
		newPoolsMap[pool.ID] = pool
	}

	var additions []*Pool
	var updates []*Pool
	var deletions []PoolID

	// Identify additions and updates.
	for newID, newPool := range newPoolsMap {
		oldPool, exists := oldPoolsMap[newID]

		if !exists {
			additions = append(additions, newPool)
		} else if poolChanged(oldPool, newPool) {
			updates = append(updates, newPool)
		}
	}

	// Identify deletions.
	for oldID := range oldPoolsMap {
		if _, exists := newPoolsMap[oldID]; !exists {
			deletions = append(deletions, oldID)
		}
	}

	return PoolSetDiff{
		Additions: additions,
		Updates:   updates,
		Deletions: deletions,
	}
}
