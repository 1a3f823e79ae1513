package syncer

import (
	"fmt"
	"strings"
)

const (
	TierCritical = "CRITICAL"
	TierHigh     = "HIGH"
	TierMed      = "MED"
	TierLow      = "LOW"
)

// tierOrder is highest first; LOW is the floor and needs no threshold.
var tierOrder = []string{TierCritical, TierHigh, TierMed, TierLow}

// SLATier is one row of the SLA table.
type SLATier struct {
	Tier       string
	Min        int
	PriorityID int
}

// SLATable maps an event score to a severity tier and remote priority id.
type SLATable struct {
	tiers map[string]SLATier
}

// NormalizeTier accepts the spellings seen in configs:
// - critical/crit -> CRITICAL
// - high -> HIGH
// - med/medium/moderate -> MED
// - low -> LOW
// - else -> ""
func NormalizeTier(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "critical", "crit":
		return TierCritical
	case "high":
		return TierHigh
	case "med", "medium", "moderate":
		return TierMed
	case "low":
		return TierLow
	default:
		return ""
	}
}

func NewSLATable(rows []SLATier) (SLATable, error) {
	t := SLATable{tiers: make(map[string]SLATier, len(rows))}
	for _, r := range rows {
		name := NormalizeTier(r.Tier)
		if name == "" {
			return SLATable{}, &ConfigurationError{Field: "SLA", Reason: fmt.Sprintf("unknown tier %q", r.Tier)}
		}
		if _, dup := t.tiers[name]; dup {
			return SLATable{}, &ConfigurationError{Field: "SLA", Reason: fmt.Sprintf("tier %s listed twice", name)}
		}
		r.Tier = name
		t.tiers[name] = r
	}
	// Thresholds must not increase going down the tiers or a lower tier would shadow a higher one.
	prev := -1
	prevName := ""
	for _, name := range tierOrder[:3] {
		r, ok := t.tiers[name]
		if !ok {
			continue
		}
		if prev >= 0 && r.Min > prev {
			return SLATable{}, &ConfigurationError{Field: "SLA", Reason: fmt.Sprintf("%s min %d exceeds %s min %d", name, r.Min, prevName, prev)}
		}
		prev, prevName = r.Min, name
	}
	return t, nil
}

// Configured reports whether any tier is defined. An empty table classifies
// nothing: no tier label, no priority.
func (t SLATable) Configured() bool {
	return len(t.tiers) > 0
}

// Classify returns the highest tier whose minimum the score meets, and that
// tier's priority id when one is configured.
func (t SLATable) Classify(score int) (string, *int) {
	if !t.Configured() {
		return "", nil
	}
	tier := TierLow
	for _, name := range tierOrder[:3] {
		r, ok := t.tiers[name]
		if ok && score >= r.Min {
			tier = name
			break
		}
	}
	r, ok := t.tiers[tier]
	if !ok || r.PriorityID == 0 {
		return tier, nil
	}
	id := r.PriorityID
	return tier, &id
}
