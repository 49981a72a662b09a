package core

import "math"

// Resources is an amount of CPU, memory and IO units.
type Resources struct {
	CPU    float64 `json:"cpu" yaml:"cpu"`
	Memory float64 `json:"memory" yaml:"memory"`
	IO     float64 `json:"io" yaml:"io"`
}

// Add returns r + o per dimension.
func (r Resources) Add(o Resources) Resources {
	return Resources{CPU: r.CPU + o.CPU, Memory: r.Memory + o.Memory, IO: r.IO + o.IO}
}

// Sub returns r - o per dimension. The result may be negative.
func (r Resources) Sub(o Resources) Resources {
	return Resources{CPU: r.CPU - o.CPU, Memory: r.Memory - o.Memory, IO: r.IO - o.IO}
}

// Scale multiplies every dimension by f.
func (r Resources) Scale(f float64) Resources {
	return Resources{CPU: r.CPU * f, Memory: r.Memory * f, IO: r.IO * f}
}

// Min returns the per-dimension minimum of r and o.
func (r Resources) Min(o Resources) Resources {
	return Resources{CPU: math.Min(r.CPU, o.CPU), Memory: math.Min(r.Memory, o.Memory), IO: math.Min(r.IO, o.IO)}
}

// ClampNonNegative replaces negative dimensions with zero.
func (r Resources) ClampNonNegative() Resources {
	return Resources{CPU: math.Max(r.CPU, 0), Memory: math.Max(r.Memory, 0), IO: math.Max(r.IO, 0)}
}

// Sum adds the three dimensions together.
func (r Resources) Sum() float64 {
	return r.CPU + r.Memory + r.IO
}

// FitsWithin reports whether every dimension of r is <= the same dimension of limit.
func (r Resources) FitsWithin(limit Resources) bool {
	return r.CPU <= limit.CPU && r.Memory <= limit.Memory && r.IO <= limit.IO
}

// AnyPositive reports whether at least one dimension is above zero.
func (r Resources) AnyPositive() bool {
	return r.CPU > 0 || r.Memory > 0 || r.IO > 0
}

// AnyNegative reports whether at least one dimension is below zero.
func (r Resources) AnyNegative() bool {
	return r.CPU < 0 || r.Memory < 0 || r.IO < 0
}

// Load is the fraction of each dimension currently in use.
type Load struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	IO     float64 `json:"io"`
}

// Aggregate is the most constrained dimension.
func (l Load) Aggregate() float64 {
	return math.Max(l.CPU, math.Max(l.Memory, l.IO))
}

func utilization(used, total Resources) Load {
	frac := func(u, t float64) float64 {
		if t <= 0 {
			return 0
		}
		return u / t
	}
	return Load{
		CPU:    frac(used.CPU, total.CPU),
		Memory: frac(used.Memory, total.Memory),
		IO:     frac(used.IO, total.IO),
	}
}
