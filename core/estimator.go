package core

import (
	"strings"
	"time"
)

// EstimateProfile is the baseline cost of one entity type at medium priority.
type EstimateProfile struct {
	Resources Resources     `json:"resources" yaml:"resources"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// DefaultProfileKey is the table key used for entity types with no entry.
const DefaultProfileKey = "default"

// DefaultEstimateTable returns the built-in cost table.
func DefaultEstimateTable() map[string]EstimateProfile {
	return map[string]EstimateProfile{
		DefaultProfileKey: {Resources: Resources{CPU: 10, Memory: 512, IO: 10}, Duration: 60 * time.Second},
		"document":        {Resources: Resources{CPU: 10, Memory: 256, IO: 20}, Duration: 30 * time.Second},
		"dataset":         {Resources: Resources{CPU: 25, Memory: 1024, IO: 30}, Duration: 5 * time.Minute},
		"report":          {Resources: Resources{CPU: 15, Memory: 512, IO: 10}, Duration: 2 * time.Minute},
		"index":           {Resources: Resources{CPU: 20, Memory: 768, IO: 40}, Duration: 3 * time.Minute},
	}
}

// DefaultPriorityMultipliers scales the baseline cost per tier.
func DefaultPriorityMultipliers() map[Priority]float64 {
	return map[Priority]float64{
		PriorityCritical: 1.5,
		PriorityHigh:     1.2,
		PriorityMedium:   1.0,
		PriorityLow:      0.8,
	}
}

// Estimator derives resource requirements and duration for an entry that
// has not been scheduled yet.
type Estimator struct {
	table       map[string]EstimateProfile
	multipliers map[Priority]float64
	ceiling     Resources
}

// NewEstimator builds an estimator. Every estimate is clamped to half of
// total capacity so a single entry cannot starve the system.
func NewEstimator(table map[string]EstimateProfile, multipliers map[Priority]float64, total Resources) *Estimator {
	if len(table) == 0 {
		table = DefaultEstimateTable()
	}
	if len(multipliers) == 0 {
		multipliers = DefaultPriorityMultipliers()
	}
	normalized := make(map[string]EstimateProfile, len(table))
	for k, v := range table {
		normalized[strings.ToLower(k)] = v
	}
	if _, ok := normalized[DefaultProfileKey]; !ok {
		normalized[DefaultProfileKey] = DefaultEstimateTable()[DefaultProfileKey]
	}
	return &Estimator{
		table:       normalized,
		multipliers: multipliers,
		ceiling:     total.Scale(0.5),
	}
}

// Estimate returns the resource requirements and duration for the pair
// (entityType, priority).
func (e *Estimator) Estimate(entityType string, priority Priority) (Resources, time.Duration) {
	profile, ok := e.table[strings.ToLower(entityType)]
	if !ok {
		profile = e.table[DefaultProfileKey]
	}
	mult, ok := e.multipliers[priority]
	if !ok {
		mult = 1.0
	}
	return profile.Resources.Scale(mult).Min(e.ceiling), profile.Duration
}
