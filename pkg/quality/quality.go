// Package quality maps coarse quality profiles to interpolation and resource settings.
package quality

import (
	"fmt"
	"strings"

	"mprengine/pkg/interpolation"
)

// Profile is a coarse speed/fidelity trade-off
type Profile int

const (
	Low Profile = iota
	Medium
	High
)

// Profiles lists every profile from fastest to most faithful
var Profiles = []Profile{Low, Medium, High}

// Settings is what a profile resolves to
type Settings struct {
	Name string

	// Method is the interpolation used for every sample
	Method interpolation.Method

	// ParallelismHint is the number of concurrent row bands per sample
	ParallelismHint int

	// CacheCapacity is the maximum number of planes kept in the slice cache
	CacheCapacity int
}

var settings = map[Profile]Settings{
	Low:    {Name: "low", Method: interpolation.Nearest, ParallelismHint: 1, CacheCapacity: 8},
	Medium: {Name: "medium", Method: interpolation.Trilinear, ParallelismHint: 4, CacheCapacity: 32},
	High:   {Name: "high", Method: interpolation.Cubic, ParallelismHint: 8, CacheCapacity: 96},
}

// Settings returns the settings for p. Unknown profiles resolve to Medium.
func (p Profile) Settings() Settings {
	if s, ok := settings[p]; ok {
		return s
	}
	return settings[Medium]
}

func (p Profile) String() string {
	if s, ok := settings[p]; ok {
		return s.Name
	}
	return fmt.Sprintf("profile(%d)", int(p))
}

// Parse maps a profile name to its Profile
func Parse(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	default:
		return Medium, fmt.Errorf("invalid quality profile: %s (must be low, medium or high)", s)
	}
}
