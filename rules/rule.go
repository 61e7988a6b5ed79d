package rules

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dnsgate/dnsgate/dnsq"
)

// Rule matches queries.
type Rule interface {
	Matches(q *dnsq.Question) bool
	String() string
}

// QueryAction is applied to a matched query. The returned string payload
// carries the pool name or delay for the Pool and Delay outcomes.
type QueryAction interface {
	Apply(q *dnsq.Question) (Action, string)
	String() string
}

// ResponseAction is applied to a matched response.
type ResponseAction interface {
	Apply(r *dnsq.Response) (Action, string)
	String() string
}

var creationOrder atomic.Uint64

// RuleAction bundles a rule with its action, identity and ordering.
type RuleAction struct {
	Rule   Rule
	Action QueryAction

	Name          string
	ID            uuid.UUID
	CreationOrder uint64

	matches atomic.Uint64
}

// NewRuleAction returns a rule/action pair with a fresh uuid and the next
// creation order.
func NewRuleAction(rule Rule, action QueryAction, name string) *RuleAction {
	return &RuleAction{
		Rule:          rule,
		Action:        action,
		Name:          name,
		ID:            uuid.New(),
		CreationOrder: creationOrder.Add(1),
	}
}

// Matched counts one match.
func (ra *RuleAction) Matched() { ra.matches.Add(1) }

// Matches returns the match count.
func (ra *RuleAction) Matches() uint64 { return ra.matches.Load() }

// ResponseRuleAction bundles a rule with a response action.
type ResponseRuleAction struct {
	Rule   Rule
	Action ResponseAction

	Name          string
	ID            uuid.UUID
	CreationOrder uint64

	matches atomic.Uint64
}

// NewResponseRuleAction returns a response rule/action pair.
func NewResponseRuleAction(rule Rule, action ResponseAction, name string) *ResponseRuleAction {
	return &ResponseRuleAction{
		Rule:          rule,
		Action:        action,
		Name:          name,
		ID:            uuid.New(),
		CreationOrder: creationOrder.Add(1),
	}
}

// Matched counts one match.
func (ra *ResponseRuleAction) Matched() { ra.matches.Add(1) }

// Matches returns the match count.
func (ra *ResponseRuleAction) Matches() uint64 { return ra.matches.Load() }

// InsertAt returns a new slice with ra inserted at pos, clamped to the
// bounds of the list. The input slice is not modified.
func InsertAt(list []*RuleAction, pos int, ra *RuleAction) []*RuleAction {
	if pos < 0 {
		pos = 0
	}
	if pos > len(list) {
		pos = len(list)
	}

	next := make([]*RuleAction, 0, len(list)+1)
	next = append(next, list[:pos]...)
	next = append(next, ra)
	next = append(next, list[pos:]...)

	return next
}

// RemoveByID returns a new slice without the entry carrying id.
func RemoveByID(list []*RuleAction, id uuid.UUID) ([]*RuleAction, bool) {
	for i, ra := range list {
		if ra.ID == id {
			next := make([]*RuleAction, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)

			return next, true
		}
	}

	return list, false
}
