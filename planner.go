package ixkv

// Constraint is one predicate of a query: a field name plus either an
// equality or a bounded range. The constraint list of a query is ordered, but
// matching against an index's field set ignores that order; only range
// placement relative to the index's own field order matters.
type Constraint struct {
	Field   string
	Op      ConstraintOp
	Value   any // equality value
	Low     any // range bounds; nil = open
	High    any
	LowInc  bool
	HighInc bool
}

type ConstraintOp int

const (
	OpEq ConstraintOp = iota
	OpRange
)

func Eq(field string, v any) Constraint {
	return Constraint{Field: field, Op: OpEq, Value: v}
}

func Between(field string, low, high any, lowInc, highInc bool) Constraint {
	return Constraint{Field: field, Op: OpRange, Low: low, High: high, LowInc: lowInc, HighInc: highInc}
}

// planDecision is the outcome of comparing two candidate indexes. An explicit
// enum instead of non-local control flow: the elimination tournament folds
// over candidates and short-circuits on ExactMatch.
type planDecision int

const (
	decisionExactMatch planDecision = iota
	decisionPreferA
	decisionPreferB
	decisionContinue
)

// SelectIndex picks the best index for a constraint set, a deterministic
// rule-based elimination:
//
//  1. An index whose field set exactly equals the constrained field set wins
//     over any non-exact match; a sole exact match is selected outright.
//  2. Among covering indexes, prefer one whose field list truncated to the
//     number of distinct constrained fields equals the constrained-field
//     order, with at most one range constraint sitting at the trailing
//     position. This favors the composite layout of equality fields followed
//     by one range field, which scans as a single prefix range.
//  3. Otherwise the higher partial coverage ratio (overlap divided by the
//     index's field count) wins: fewer wasted index dimensions.
//  4. An index missing any constrained field is excluded unconditionally, as
//     is one asked to serve a range constraint on a hash-encoded field.
//
// Ties resolve to the first index in snapshot order. With no eligible index,
// the predicate set is unsupported: the engine fails rather than silently
// falling back to a full scan.
func SelectIndex(indexes []*IndexDefinition, constraints []Constraint) (*IndexDefinition, error) {
	fieldOrder, err := constrainedFieldOrder(constraints)
	if err != nil {
		return nil, err
	}
	if len(fieldOrder) == 0 {
		return nil, unsupportedErrf("SelectIndex", "", "", "empty constraint set")
	}

	var candidates []planCandidate
	for _, def := range indexes {
		c, ok := makeCandidate(def, constraints, fieldOrder)
		if ok {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		var source string
		if len(indexes) > 0 {
			source = indexes[0].Source
		}
		return nil, unsupportedErrf("SelectIndex", source, "", "no index covers constrained fields %v", fieldOrder)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		switch compareCandidates(best, c) {
		case decisionExactMatch:
			return best.def, nil
		case decisionPreferA, decisionContinue:
			// keep best; Continue resolves ties to the earlier candidate
		case decisionPreferB:
			best = c
		}
	}
	return best.def, nil
}

type planCandidate struct {
	def       *IndexDefinition
	exact     bool    // field sets are equal
	preferred bool    // rule 2 shape: equality prefix + trailing range
	ratio     float64 // overlap / len(def.Fields)
}

// constrainedFieldOrder returns distinct constrained fields in constraint
// order, validating the predicate shape: at most one range constraint, and no
// field constrained twice.
func constrainedFieldOrder(constraints []Constraint) ([]string, error) {
	var order []string
	var ranges int
	seen := make(map[string]bool, len(constraints))
	for _, c := range constraints {
		if seen[c.Field] {
			return nil, unsupportedErrf("SelectIndex", "", c.Field, "field constrained more than once")
		}
		seen[c.Field] = true
		order = append(order, c.Field)
		if c.Op == OpRange {
			ranges++
		}
	}
	if ranges > 1 {
		return nil, unsupportedErrf("SelectIndex", "", "", "more than one range constraint")
	}
	return order, nil
}

func makeCandidate(def *IndexDefinition, constraints []Constraint, fieldOrder []string) (planCandidate, bool) {
	// Only scannable indexers participate in planning.
	if def.Indexer != IndexerDefault {
		return planCandidate{}, false
	}
	// Rule 4: every constrained field must be present, and a range constraint
	// must land on a range-capable (non-hashed) encoding.
	for _, c := range constraints {
		mode, found := def.fieldMode(c.Field)
		if !found {
			return planCandidate{}, false
		}
		if c.Op == OpRange && !mode.rangeCapable() {
			return planCandidate{}, false
		}
	}

	k := len(fieldOrder)
	c := planCandidate{
		def:   def,
		exact: len(def.Fields) == k,
		ratio: float64(k) / float64(len(def.Fields)),
	}

	if len(def.Fields) >= k {
		ordered := true
		for i := range fieldOrder {
			if def.Fields[i] != fieldOrder[i] {
				ordered = false
				break
			}
		}
		if ordered {
			c.preferred = true
			for _, cons := range constraints {
				if cons.Op == OpRange && cons.Field != fieldOrder[k-1] {
					c.preferred = false
				}
			}
		}
	}
	return c, true
}

func compareCandidates(a, b planCandidate) planDecision {
	// Rule 1: an exact match ends the tournament. When the earlier candidate
	// is exact it wins outright; a later exact match takes over and wins on
	// the next comparison (or by being the final survivor).
	if a.exact {
		return decisionExactMatch
	}
	if b.exact {
		return decisionPreferB
	}
	if a.preferred != b.preferred {
		if a.preferred {
			return decisionPreferA
		}
		return decisionPreferB
	}
	if a.ratio > b.ratio {
		return decisionPreferA
	}
	if b.ratio > a.ratio {
		return decisionPreferB
	}
	return decisionContinue
}
