package requirement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sooq/asset-engine/internal/model"
)

// Line is one bill-of-materials requirement: a material spec and the total
// weight of it the contract needs.
type Line struct {
	Spec   model.MaterialSpec
	Weight decimal.Decimal
}

// Candidate is a lot available for automatic assignment, with its current
// remaining quantity as reported by the reconciliation engine.
type Candidate struct {
	LotID     string
	Material  model.MaterialSpec
	Remaining decimal.Decimal
}

// Assignment is one planned contribution: take Quantity whole units from
// the lot.
type Assignment struct {
	LotID    string          `json:"lot_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Plan greedily assigns whole units from candidate lots to each
// requirement line. Unlike Validate's matching, automatic assignment is
// strict: metal must match the carat exactly and stone the shape cut, so
// the planner never silently substitutes material the jeweler did not ask
// for.
//
// Feasibility is checked up front: if the matching candidates cannot cover
// a line's weight, ErrUnfulfillable is returned before anything is
// assigned. Assignment itself works in whole units, so a residual smaller
// than one unit weight can remain unassigned on a feasible line.
//
// Pure planning — persisting the resulting contributions is the caller's
// job, under the same lot lock as any manual contribution.
func Plan(lines []Line, candidates []Candidate) ([]Assignment, error) {
	for li := range lines {
		line := &lines[li]
		available := decimal.Zero
		for ci := range candidates {
			cand := &candidates[ci]
			if !candidateMatches(&line.Spec, &cand.Material) {
				continue
			}
			units := decimal.NewFromInt(cand.Remaining.IntPart())
			available = available.Add(units.Mul(cand.Material.UnitWeight))
		}
		if available.LessThan(line.Weight) {
			return nil, fmt.Errorf("%w: %s %s requires %sg, %sg available",
				ErrUnfulfillable, line.Spec.Type, line.Spec.ItemName, line.Weight, available)
		}
	}

	// Whole units remaining per lot, decremented as lines consume them so
	// one lot is never promised twice.
	unitsLeft := make(map[string]int64, len(candidates))
	for i := range candidates {
		unitsLeft[candidates[i].LotID] = candidates[i].Remaining.IntPart()
	}

	var plan []Assignment

	for li := range lines {
		line := &lines[li]
		required := line.Weight

		for ci := range candidates {
			if !required.IsPositive() {
				break
			}
			cand := &candidates[ci]
			if !candidateMatches(&line.Spec, &cand.Material) {
				continue
			}

			unitWeight := cand.Material.UnitWeight
			available := unitsLeft[cand.LotID]
			if !unitWeight.IsPositive() || available <= 0 {
				continue
			}

			// Whole units needed to cover what is left of this line.
			maxNeeded := required.Div(unitWeight).IntPart()
			if maxNeeded <= 0 {
				continue
			}

			assigned := maxNeeded
			if available < assigned {
				assigned = available
			}

			assignedDec := decimal.NewFromInt(assigned)
			required = required.Sub(assignedDec.Mul(unitWeight))
			unitsLeft[cand.LotID] = available - assigned

			plan = append(plan, Assignment{LotID: cand.LotID, Quantity: assignedDec})
		}
	}

	return plan, nil
}

// candidateMatches applies the strict assignment match: exact carat for
// metal, exact shape cut for stone.
func candidateMatches(line, cand *model.MaterialSpec) bool {
	if line.Type != cand.Type || line.ItemID != cand.ItemID {
		return false
	}
	switch line.Type {
	case model.MaterialMetal:
		return line.CaratID == cand.CaratID
	case model.MaterialStone:
		return line.ShapeCutID == cand.ShapeCutID
	}
	return true
}
