package personality

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jacokyle01/sparring/models"
)

type profileFile struct {
	Personalities []models.PersonalityConfig `yaml:"personalities"`
}

// DefaultProfiles is the built-in roster, weakest first.
func DefaultProfiles() []models.PersonalityConfig {
	return []models.PersonalityConfig{
		{
			Name:           "rookie",
			Description:    "An enthusiastic beginner who hangs pieces and loves early queen raids.",
			RatingTarget:   800,
			BlunderLevel:   0.7,
			MaxThinkTimeMs: 200,
		},
		{
			Name:           "clubber",
			Description:    "A steady club player who sometimes misses tactics under pressure.",
			RatingTarget:   1500,
			BlunderLevel:   0.35,
			MaxThinkTimeMs: 275,
		},
		{
			Name:           "expert",
			Description:    "A sharp tournament player who rarely errs and never lets a mistake go.",
			RatingTarget:   2100,
			BlunderLevel:   0.1,
			MaxThinkTimeMs: 325,
		},
		{
			Name:             "machine",
			Description:      "A cold calculator that plays the engine's first choice.",
			RatingTarget:     2800,
			BlunderLevel:     0,
			FixedSearchDepth: 16,
		},
	}
}

// LoadProfiles reads personalities from a YAML file with a top-level
// "personalities" list. Every entry is validated and names must be unique.
func LoadProfiles(path string) ([]models.PersonalityConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Personalities))
	for _, p := range f.Personalities {
		if p.Name == "" {
			return nil, fmt.Errorf("profiles %s: personality without a name", path)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("profiles %s: duplicate personality %q", path, p.Name)
		}
		seen[p.Name] = true
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Personalities, nil
}

// Lookup finds a personality by name.
func Lookup(profiles []models.PersonalityConfig, name string) (models.PersonalityConfig, bool) {
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
	}
	return models.PersonalityConfig{}, false
}
