package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"relay-fleet/pkg/model"
)

// Regions is the country catalog plus the ordered fallback table used by placement.
type Regions struct {
	Countries []model.Country     `yaml:"countries"`
	Fallbacks map[string][]string `yaml:"fallbacks"`
}

func DefaultRegions() Regions {
	return Regions{
		Countries: []model.Country{
			{Code: "RU", Name: "Россия", NameEn: "Russia", Flag: "🇷🇺", Active: true, Priority: 100},
			{Code: "NL", Name: "Нидерланды", NameEn: "Netherlands", Flag: "🇳🇱", Active: true, Priority: 90},
			{Code: "DE", Name: "Германия", NameEn: "Germany", Flag: "🇩🇪", Active: true, Priority: 80},
		},
		Fallbacks: map[string][]string{
			"RU": {"DE", "NL"},
			"DE": {"NL", "RU"},
			"NL": {"DE", "RU"},
		},
	}
}

// LoadRegions parses the YAML catalog at path. An empty path or missing file
// yields DefaultRegions; sections absent from the file keep their defaults.
func LoadRegions(path string) (Regions, error) {
	def := DefaultRegions()
	if path == "" {
		return def, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return def, nil
	}
	if err != nil {
		return Regions{}, fmt.Errorf("read regions %s: %w", path, err)
	}
	var r Regions
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return Regions{}, fmt.Errorf("parse regions %s: %w", path, err)
	}
	if len(r.Countries) == 0 {
		r.Countries = def.Countries
	}
	if r.Fallbacks == nil {
		r.Fallbacks = def.Fallbacks
	}
	return r.normalize()
}

func (r Regions) normalize() (Regions, error) {
	seen := map[string]bool{}
	for i := range r.Countries {
		code := strings.ToUpper(strings.TrimSpace(r.Countries[i].Code))
		if code == "" {
			return Regions{}, fmt.Errorf("country #%d has no code", i)
		}
		if seen[code] {
			return Regions{}, fmt.Errorf("duplicate country %s", code)
		}
		seen[code] = true
		r.Countries[i].Code = code
	}
	fb := make(map[string][]string, len(r.Fallbacks))
	for from, chain := range r.Fallbacks {
		from = strings.ToUpper(from)
		for _, to := range chain {
			to = strings.ToUpper(to)
			if to != from {
				fb[from] = append(fb[from], to)
			}
		}
	}
	r.Fallbacks = fb
	return r, nil
}
