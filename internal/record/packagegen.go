package record

import "fmt"

// GenerationParams configures a training-package generation request for a
// synced session. Tolerances are fractions in [0,1] and must be ordered
// tight >= moderate >= loose.
type GenerationParams struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version"`
	Difficulty  string   `json:"difficulty"`
	Joints      []string `json:"primary_joints"`

	ToleranceTight    float64 `json:"tolerance_tight"`
	ToleranceModerate float64 `json:"tolerance_moderate"`
	ToleranceLoose    float64 `json:"tolerance_loose"`
}

// Validate checks required fields and the tolerance ordering invariant.
func (p *GenerationParams) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Version == "" {
		return fmt.Errorf("version is required")
	}
	if len(p.Joints) == 0 {
		return fmt.Errorf("at least one primary joint is required")
	}
	for _, tol := range []struct {
		name string
		v    float64
	}{
		{"tight", p.ToleranceTight},
		{"moderate", p.ToleranceModerate},
		{"loose", p.ToleranceLoose},
	} {
		if tol.v < 0 || tol.v > 1 {
			return fmt.Errorf("tolerance %s must be in [0,1] (got %g)", tol.name, tol.v)
		}
	}
	if p.ToleranceTight < p.ToleranceModerate || p.ToleranceModerate < p.ToleranceLoose {
		return fmt.Errorf("tolerances must be ordered tight >= moderate >= loose (got %g, %g, %g)",
			p.ToleranceTight, p.ToleranceModerate, p.ToleranceLoose)
	}
	return nil
}
