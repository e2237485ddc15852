package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/V4T54L/leadflow/internal/domain"
	"gopkg.in/yaml.v3"
)

// PlanFile is the YAML layout of a plan catalog:
//
//	plans:
//	  - name: enterprise
//	    max_leads: 1000
//	    priority: 1
//	    ai_personalization: true
//	    exclusive_option: true
type PlanFile struct {
	Plans []domain.Plan `yaml:"plans"`
}

// LoadPlans returns the built-in catalog overlaid with the plans in path.
// An empty path yields the built-in catalog.
func LoadPlans(path string) (map[string]domain.Plan, error) {
	plans := domain.DefaultPlans()
	if path == "" {
		return plans, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	return MergePlans(plans, data)
}

// MergePlans decodes YAML plans and adds or replaces them in base.
func MergePlans(base map[string]domain.Plan, data []byte) (map[string]domain.Plan, error) {
	var file PlanFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse plans file: %w", err)
	}
	for _, p := range file.Plans {
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		if p.Name == "" {
			return nil, &domain.ValidationError{Field: "plans.name", Message: "is required"}
		}
		if p.MaxLeads <= 0 {
			return nil, &domain.ValidationError{Field: "plans." + p.Name + ".max_leads", Message: "must be greater than 0"}
		}
		if p.Priority <= 0 {
			return nil, &domain.ValidationError{Field: "plans." + p.Name + ".priority", Message: "must be greater than 0"}
		}
		base[p.Name] = p
	}
	return base, nil
}
