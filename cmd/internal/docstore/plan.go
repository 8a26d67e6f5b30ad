package docstore

import (
	"errors"
	"fmt"
	"time"
)

// queryPlan is the normalized form of an ordered constraint list, shared by
// backends that evaluate queries themselves.
type queryPlan struct {
	filters     []Constraint // OpEqual and OpArrayContains only
	orderField  string
	desc        bool
	limit       int
	limitToLast int
	startAfter  *Document
}

// compile normalizes constraints. Constraint order is preserved for filters;
// at most one order, one limit kind and one anchor are accepted.
func compile(constraints []Constraint) (queryPlan, error) {
	var p queryPlan
	for _, c := range constraints {
		switch c.Op {
		case OpEqual, OpArrayContains:
			p.filters = append(p.filters, c)
		case OpOrderAsc, OpOrderDesc:
			if p.orderField != "" {
				return queryPlan{}, errors.New("docstore: multiple order constraints")
			}
			if c.Field == "" {
				return queryPlan{}, errors.New("docstore: order constraint without field")
			}
			p.orderField = c.Field
			p.desc = c.Op == OpOrderDesc
		case OpLimit:
			n, ok := c.Value.(int)
			if !ok || n <= 0 {
				return queryPlan{}, errors.New("docstore: invalid limit")
			}
			p.limit = n
		case OpLimitToLast:
			n, ok := c.Value.(int)
			if !ok || n <= 0 {
				return queryPlan{}, errors.New("docstore: invalid limit-to-last")
			}
			p.limitToLast = n
		case OpStartAfter:
			doc, ok := c.Value.(Document)
			if !ok {
				return queryPlan{}, errors.New("docstore: start-after value is not a document")
			}
			p.startAfter = &doc
		default:
			return queryPlan{}, fmt.Errorf("docstore: unknown operator %d", c.Op)
		}
	}
	if p.startAfter != nil && p.orderField == "" {
		return queryPlan{}, errors.New("docstore: start-after requires an order constraint")
	}
	return p, nil
}

// anchorValue resolves the order-field value of the start-after document.
func (p queryPlan) anchorValue() (any, bool) {
	if p.startAfter == nil {
		return nil, false
	}
	v, ok := p.startAfter.Data[p.orderField]
	return v, ok
}

// matches reports whether doc passes every filter constraint.
func (p queryPlan) matches(doc Document) bool {
	for _, f := range p.filters {
		v, ok := doc.Data[f.Field]
		if !ok {
			return false
		}
		switch f.Op {
		case OpEqual:
			if !valuesEqual(v, f.Value) {
				return false
			}
		case OpArrayContains:
			if !arrayContains(v, f.Value) {
				return false
			}
		}
	}
	return true
}

// afterAnchor reports whether doc sorts strictly after the anchor in query
// order, with the document ID as tie break.
func (p queryPlan) afterAnchor(doc Document) bool {
	if p.startAfter == nil {
		return true
	}
	av, ok := p.anchorValue()
	if !ok {
		return true
	}
	cmp := compareValues(doc.Data[p.orderField], av)
	if cmp == 0 {
		cmp = compareStrings(doc.ID, p.startAfter.ID)
	}
	if p.desc {
		return cmp < 0
	}
	return cmp > 0
}

// less orders two documents per the plan, ID as tie break.
func (p queryPlan) less(a, b Document) bool {
	cmp := compareValues(a.Data[p.orderField], b.Data[p.orderField])
	if cmp == 0 {
		cmp = compareStrings(a.ID, b.ID)
	}
	if p.desc {
		return cmp > 0
	}
	return cmp < 0
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareValues compares two field values of the loosely typed document data.
// Supported: time.Time, string, bool and the numeric kinds JSON/BSON decoding
// produces. Unsupported or mismatched kinds compare equal so that filters fail
// closed rather than panic.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1
			case av.After(bv):
				return 1
			default:
				return 0
			}
		}
	case string:
		if bv, ok := b.(string); ok {
			return compareStrings(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	default:
		if af, ok := toFloat(a); ok {
			if bf, ok := toFloat(b); ok {
				switch {
				case af < bf:
					return -1
				case af > bf:
					return 1
				default:
					return 0
				}
			}
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func arrayContains(field, want any) bool {
	switch arr := field.(type) {
	case []string:
		w, ok := want.(string)
		if !ok {
			return false
		}
		for _, v := range arr {
			if v == w {
				return true
			}
		}
	case []any:
		for _, v := range arr {
			if valuesEqual(v, want) {
				return true
			}
		}
	}
	return false
}

// valuesEqual is strict about kinds: mismatched kinds never match, so equality
// filters fail closed rather than silently passing.
func valuesEqual(a, b any) bool {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return false
}
