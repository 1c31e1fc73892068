package money

import "sort"

// Allocate splits amount across weights using the largest remainder method so
// the parts always sum to amount. Non-positive weights receive nothing unless
// every weight is non-positive, in which case the amount is spread evenly.
func Allocate(amount int64, weights []int64) []int64 {
	if len(weights) == 0 {
		return nil
	}
	if amount < 0 {
		parts := Allocate(-amount, weights)
		for i := range parts {
			parts[i] = -parts[i]
		}
		return parts
	}
	allocations := make([]int64, len(weights))
	if amount == 0 {
		return allocations
	}
	var totalWeight int64
	for _, w := range weights {
		if w > 0 {
			totalWeight += w
		}
	}
	if totalWeight == 0 {
		base := amount / int64(len(weights))
		remainder := amount % int64(len(weights))
		for i := range weights {
			allocations[i] = base
			if remainder > 0 {
				allocations[i]++
				remainder--
			}
		}
		return allocations
	}

	type share struct {
		idx       int
		remainder int64
	}
	shares := make([]share, len(weights))
	var distributed int64
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		part, rem := mulDiv(amount, w, totalWeight)
		allocations[i] = part
		distributed += part
		shares[i] = share{idx: i, remainder: rem}
	}

	remainder := amount - distributed
	if remainder <= 0 {
		return allocations
	}
	sort.SliceStable(shares, func(i, j int) bool {
		if shares[i].remainder == shares[j].remainder {
			return shares[i].idx < shares[j].idx
		}
		return shares[i].remainder > shares[j].remainder
	})
	for _, s := range shares {
		if remainder == 0 {
			break
		}
		if weights[s.idx] <= 0 {
			continue
		}
		allocations[s.idx]++
		remainder--
	}
	return allocations
}

// mulDiv computes (a*b)/c and the remainder without overflowing for the
// magnitudes seen in monetary allocation.
func mulDiv(a, b, c int64) (int64, int64) {
	q1, r1 := a/c, a%c
	// a*b/c = q1*b + r1*b/c
	hi := q1 * b
	prod := r1 * b
	return hi + prod/c, prod % c
}
