package core

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Scheduling Algorithms
// =============================================================================

// Algorithm selects how the scheduling loop orders and admits deferred work.
type Algorithm string

const (
	AlgorithmPriority   Algorithm = "priority"
	AlgorithmFairShare  Algorithm = "fair_share"
	AlgorithmAdaptive   Algorithm = "adaptive"
	AlgorithmRoundRobin Algorithm = "round_robin"
)

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case AlgorithmPriority, AlgorithmFairShare, AlgorithmAdaptive, AlgorithmRoundRobin:
		return a, nil
	case "":
		return AlgorithmAdaptive, nil
	default:
		return "", fmt.Errorf("unknown scheduling algorithm %q", s)
	}
}

// Adaptive modes reported in TickResult.
const (
	modeHighLoad = "high_load"
	modeLowLoad  = "low_load"
	modeNormal   = "normal"
)

// DefaultFairShareWeights is the per-tick admission quota of each tier.
func DefaultFairShareWeights() map[Priority]int {
	return map[Priority]int{
		PriorityCritical: 4,
		PriorityHigh:     3,
		PriorityMedium:   2,
		PriorityLow:      1,
	}
}

// AlgorithmConfig tunes the loop's algorithms.
type AlgorithmConfig struct {
	Algorithm         Algorithm
	FairShareWeights  map[Priority]int
	HighLoadThreshold float64
	LowLoadThreshold  float64
}

type candidate struct {
	entry *ScheduleEntry
	seq   uint64
}

// admissionPlan is what one tick will try to admit, in order.
type admissionPlan struct {
	Algorithm Algorithm
	Mode      string
	Order     []candidate
	// Quota caps admissions per tier; nil means no cap.
	Quota map[Priority]int
	// Allowed restricts the tiers considered; nil means every tier.
	Allowed map[Priority]bool
}

func (p *admissionPlan) permits(pr Priority) bool {
	if p.Allowed != nil && !p.Allowed[pr] {
		return false
	}
	if p.Quota != nil && p.Quota[pr] <= 0 {
		return false
	}
	return true
}

func (p *admissionPlan) consume(pr Priority) {
	if p.Quota != nil {
		p.Quota[pr]--
	}
}

// planAdmission orders candidates for the configured algorithm at the given load.
func planAdmission(cfg AlgorithmConfig, cands []candidate, load Load) admissionPlan {
	order := make([]candidate, len(cands))
	copy(order, cands)

	switch cfg.Algorithm {
	case AlgorithmFairShare:
		sortByPriority(order)
		weights := cfg.FairShareWeights
		if len(weights) == 0 {
			weights = DefaultFairShareWeights()
		}
		quota := make(map[Priority]int, len(Priorities))
		for _, p := range Priorities {
			quota[p] = weights[p]
		}
		return admissionPlan{Algorithm: AlgorithmFairShare, Order: order, Quota: quota}

	case AlgorithmRoundRobin:
		sortFIFO(order)
		return admissionPlan{Algorithm: AlgorithmRoundRobin, Order: order}

	case AlgorithmAdaptive:
		agg := load.Aggregate()
		switch {
		case agg > cfg.HighLoadThreshold:
			sortByPriority(order)
			return admissionPlan{
				Algorithm: AlgorithmAdaptive,
				Mode:      modeHighLoad,
				Order:     order,
				Allowed:   map[Priority]bool{PriorityCritical: true, PriorityHigh: true},
			}
		case agg < cfg.LowLoadThreshold:
			sortByEfficiency(order)
			return admissionPlan{Algorithm: AlgorithmAdaptive, Mode: modeLowLoad, Order: order}
		default:
			sortByPriority(order)
			return admissionPlan{Algorithm: AlgorithmAdaptive, Mode: modeNormal, Order: order}
		}

	default:
		sortByPriority(order)
		return admissionPlan{Algorithm: AlgorithmPriority, Order: order}
	}
}

// sortByPriority: highest tier first, then earliest eligible time, then FIFO.
func sortByPriority(c []candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		a, b := c[i].entry, c[j].entry
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.ScheduledTime.Equal(b.ScheduledTime) {
			return a.ScheduledTime.Before(b.ScheduledTime)
		}
		return c[i].seq < c[j].seq
	})
}

func sortFIFO(c []candidate) {
	sort.SliceStable(c, func(i, j int) bool { return c[i].seq < c[j].seq })
}

// sortByEfficiency: least estimated duration per requested resource unit first.
func sortByEfficiency(c []candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		ei, ej := durationPerUnit(c[i].entry), durationPerUnit(c[j].entry)
		if ei != ej {
			return ei < ej
		}
		if c[i].entry.Priority != c[j].entry.Priority {
			return c[i].entry.Priority > c[j].entry.Priority
		}
		return c[i].seq < c[j].seq
	})
}

func durationPerUnit(e *ScheduleEntry) float64 {
	units := e.ResourceRequirements.Sum()
	if units < 1 {
		units = 1
	}
	return e.EstimatedDuration.Seconds() / units
}
