// Package requirement validates proposed asset contributions against a
// contract's or pool's bill of materials, and plans automatic assignments
// from a set of candidate lots.
//
// Matching is key-based. Metal requirements are tracked per carat but
// matched without it, so any carat of a given metal can satisfy a
// requirement; diamonds match on the full attribute set; other stones on
// shape cut. Validation is all-or-nothing: it mutates a working copy of
// the requirement map, never persisted state.
package requirement

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sooq/asset-engine/internal/model"
)

var (
	// ErrMaterialMismatch is returned when a proposed contribution's
	// material spec matches no requirement bucket.
	ErrMaterialMismatch = errors.New("requirement: contributed material matches no requirement")

	// ErrExceedsRequirement is returned when a single contribution's
	// weight exceeds what its matched bucket(s) still require.
	ErrExceedsRequirement = errors.New("requirement: contribution exceeds remaining required weight")

	// ErrInsufficientAssets is returned when, after applying every
	// proposed contribution, at least one requirement is still unmet.
	ErrInsufficientAssets = errors.New("requirement: contributions do not cover all required materials")

	// ErrUnfulfillable is returned by Plan when the candidate lots cannot
	// cover a requirement line even before assignment.
	ErrUnfulfillable = errors.New("requirement: available assets cannot fulfill requirements")
)

// BucketKey identifies one requirement bucket. Metal buckets carry the
// carat for tracking even though matching ignores it.
type BucketKey struct {
	Material   model.MaterialType
	ItemID     string
	CaratID    string
	ShapeCutID string
	ClarityID  string
	ColorID    string
}

// isDiamond follows the source-of-truth convention: diamonds are the one
// stone matched on clarity and color as well as shape cut.
func isDiamond(spec *model.MaterialSpec) bool {
	return strings.EqualFold(spec.ItemName, "diamond")
}

// bucketKeyFor builds the tracking key for a requirement line.
func bucketKeyFor(spec *model.MaterialSpec) BucketKey {
	switch spec.Type {
	case model.MaterialMetal:
		return BucketKey{Material: model.MaterialMetal, ItemID: spec.ItemID, CaratID: spec.CaratID}
	case model.MaterialStone:
		if isDiamond(spec) {
			return BucketKey{
				Material:   model.MaterialStone,
				ItemID:     spec.ItemID,
				ShapeCutID: spec.ShapeCutID,
				ClarityID:  spec.ClarityID,
				ColorID:    spec.ColorID,
			}
		}
		return BucketKey{Material: model.MaterialStone, ItemID: spec.ItemID, ShapeCutID: spec.ShapeCutID}
	}
	return BucketKey{Material: spec.Type, ItemID: spec.ItemID}
}

// Requirements is a bucket map from material spec to required weight in
// grams (stone requirements are tracked as weight too: count × unit weight).
type Requirements struct {
	buckets map[BucketKey]decimal.Decimal
}

// NewRequirements returns an empty requirement map.
func NewRequirements() *Requirements {
	return &Requirements{buckets: make(map[BucketKey]decimal.Decimal)}
}

// Add accumulates required weight for a material spec. Lines with the same
// key are summed.
func (r *Requirements) Add(spec model.MaterialSpec, weight decimal.Decimal) {
	key := bucketKeyFor(&spec)
	r.buckets[key] = r.buckets[key].Add(weight)
}

// Len returns the number of distinct buckets.
func (r *Requirements) Len() int { return len(r.buckets) }

// clone copies the bucket map so validation never mutates the original.
func (r *Requirements) clone() map[BucketKey]decimal.Decimal {
	working := make(map[BucketKey]decimal.Decimal, len(r.buckets))
	for k, v := range r.buckets {
		working[k] = v
	}
	return working
}

// Proposal is one (lot, quantity) pair being contributed.
type Proposal struct {
	LotID    string
	Material model.MaterialSpec
	Quantity decimal.Decimal
}

// ContributedWeight is the proposal's total weight at 2dp: quantity times
// per-unit weight for metal and stone alike.
func (p *Proposal) ContributedWeight() decimal.Decimal {
	return p.Quantity.Mul(p.Material.UnitWeight).Round(2)
}

// Validate checks a batch of proposed contributions against the
// requirements. Every requirement must end exactly met or over-met; any
// remainder fails the whole batch. The requirement map itself is not
// mutated.
func Validate(reqs *Requirements, proposals []Proposal) error {
	working := reqs.clone()

	for i := range proposals {
		p := &proposals[i]

		matching := matchingKeys(working, &p.Material)
		if len(matching) == 0 {
			return fmt.Errorf("%w: lot %s (%s %s)",
				ErrMaterialMismatch, p.LotID, p.Material.Type, p.Material.ItemName)
		}

		remaining := decimal.Zero
		for _, key := range matching {
			remaining = remaining.Add(working[key])
		}
		remaining = remaining.Round(2)

		contributed := p.ContributedWeight()
		if contributed.GreaterThan(remaining) {
			return fmt.Errorf("%w: lot %s contributes %sg, %sg required",
				ErrExceedsRequirement, p.LotID, contributed, remaining)
		}

		deduct(working, matching, contributed)
	}

	var unmet []string
	for key, weight := range working {
		if weight.Round(2).IsPositive() {
			unmet = append(unmet, fmt.Sprintf("%s/%s", key.Material, key.ItemID))
		}
	}
	if len(unmet) > 0 {
		sort.Strings(unmet)
		return fmt.Errorf("%w: unmet %s", ErrInsufficientAssets, strings.Join(unmet, ", "))
	}
	return nil
}

// matchingKeys returns the buckets a contributed material can draw from.
// Metal matches every carat bucket of the same item; stone and fallback
// materials match their exact key only.
func matchingKeys(working map[BucketKey]decimal.Decimal, spec *model.MaterialSpec) []BucketKey {
	if spec.Type == model.MaterialMetal {
		var keys []BucketKey
		for key := range working {
			if key.Material == model.MaterialMetal && key.ItemID == spec.ItemID {
				keys = append(keys, key)
			}
		}
		return keys
	}

	key := bucketKeyFor(spec)
	if _, ok := working[key]; ok {
		return []BucketKey{key}
	}
	return nil
}

// deduct removes contributed weight from the matched buckets, draining the
// largest-remaining bucket first. The pass/fail outcome is order-independent;
// the order only decides which carat bucket a later shortfall is blamed on.
func deduct(working map[BucketKey]decimal.Decimal, matching []BucketKey, contributed decimal.Decimal) {
	if len(matching) == 1 {
		working[matching[0]] = working[matching[0]].Sub(contributed)
		return
	}

	sort.Slice(matching, func(i, j int) bool {
		wi, wj := working[matching[i]], working[matching[j]]
		if !wi.Equal(wj) {
			return wi.GreaterThan(wj)
		}
		return matching[i].CaratID < matching[j].CaratID
	})

	left := contributed
	for _, key := range matching {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(left, working[key])
		working[key] = working[key].Sub(take)
		left = left.Sub(take)
	}
}
