package emergency

import (
	"fmt"
	"strings"
)

// AcuityClass is the colour-coded urgency tier assigned at triage.
type AcuityClass string

const (
	AcuityRed    AcuityClass = "red"
	AcuityOrange AcuityClass = "orange"
	AcuityYellow AcuityClass = "yellow"
	AcuityGreen  AcuityClass = "green"
	AcuityBlue   AcuityClass = "blue"
)

// legacyAcuityNames maps the Portuguese colour names found in older intake
// records onto the canonical classes.
var legacyAcuityNames = map[string]AcuityClass{
	"vermelho": AcuityRed,
	"laranja":  AcuityOrange,
	"amarelo":  AcuityYellow,
	"verde":    AcuityGreen,
	"azul":     AcuityBlue,
}

// ParseAcuity accepts a canonical or legacy colour name, case-insensitively.
func ParseAcuity(s string) (AcuityClass, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if c, ok := legacyAcuityNames[name]; ok {
		return c, nil
	}
	c := AcuityClass(name)
	if _, ok := canonicalRules[c]; !ok {
		return "", fmt.Errorf("%w: unknown acuity %q", ErrValidation, s)
	}
	return c, nil
}

// Budget is the maximum intended wait for a class. Immediate budgets belong
// to the bypass class, which is never placed in a waiting bucket.
type Budget struct {
	Minutes   int  `json:"minutes"`
	Immediate bool `json:"immediate"`
}

func (b Budget) String() string {
	if b.Immediate {
		return "immediate"
	}
	return fmt.Sprintf("%d min", b.Minutes)
}

type acuityRule struct {
	rank   int
	budget Budget
}

// canonicalRules is the single budget table used for scheduling. An older
// table gave yellow 50 minutes; 60 is authoritative.
var canonicalRules = map[AcuityClass]acuityRule{
	AcuityRed:    {rank: 0, budget: Budget{Immediate: true}},
	AcuityOrange: {rank: 1, budget: Budget{Minutes: 10}},
	AcuityYellow: {rank: 2, budget: Budget{Minutes: 60}},
	AcuityGreen:  {rank: 3, budget: Budget{Minutes: 120}},
	AcuityBlue:   {rank: 4, budget: Budget{Minutes: 240}},
}

var rankOrder = []AcuityClass{AcuityRed, AcuityOrange, AcuityYellow, AcuityGreen, AcuityBlue}

// AcuityPolicy is the static class table: rank (lower is served first) and
// time budget per class.
type AcuityPolicy struct {
	rules map[AcuityClass]acuityRule
}

// CanonicalPolicy returns the policy every queue schedules with.
func CanonicalPolicy() AcuityPolicy {
	return AcuityPolicy{rules: canonicalRules}
}

// Known reports whether c is in the table.
func (p AcuityPolicy) Known(c AcuityClass) bool {
	_, ok := p.rules[c]
	return ok
}

// Rank returns the ordering rank of c. Unknown classes rank after all
// known ones.
func (p AcuityPolicy) Rank(c AcuityClass) int {
	r, ok := p.rules[c]
	if !ok {
		return len(p.rules)
	}
	return r.rank
}

// Budget returns the time budget of c.
func (p AcuityPolicy) Budget(c AcuityClass) (Budget, bool) {
	r, ok := p.rules[c]
	return r.budget, ok
}

// IsBypass reports whether c skips the queue for immediate care.
func (p AcuityPolicy) IsBypass(c AcuityClass) bool {
	r, ok := p.rules[c]
	return ok && r.budget.Immediate
}

// Classes returns every class, most urgent first.
func (p AcuityPolicy) Classes() []AcuityClass {
	out := make([]AcuityClass, 0, len(rankOrder))
	for _, c := range rankOrder {
		if p.Known(c) {
			out = append(out, c)
		}
	}
	return out
}

// Queued returns the classes that get a waiting bucket, most urgent first.
func (p AcuityPolicy) Queued() []AcuityClass {
	var out []AcuityClass
	for _, c := range p.Classes() {
		if !p.IsBypass(c) {
			out = append(out, c)
		}
	}
	return out
}
