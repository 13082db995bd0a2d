package autonomy

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/easeaico/family-agent/internal/keywords"
)

//go:embed rules.yaml
var defaultRules []byte

// CategoryRule maps keywords in a serialized action to a category.
type CategoryRule struct {
	Name           string   `yaml:"name"`
	BaseConfidence float64  `yaml:"base_confidence"`
	RiskLevel      string   `yaml:"risk_level"`
	Reversibility  float64  `yaml:"reversibility"`
	Any            []string `yaml:"any"`
	All            []string `yaml:"all"`
	Unless         []string `yaml:"unless"`
}

func (r CategoryRule) matches(t keywords.Text) bool {
	if t.Any(r.Unless) {
		return false
	}
	return t.Any(r.Any) || t.All(r.All)
}

// Rules holds the category table, urgency keywords and level thresholds.
type Rules struct {
	Categories      []CategoryRule     `yaml:"categories"`
	Default         CategoryRule       `yaml:"default"`
	UrgencyKeywords []string           `yaml:"urgency_keywords"`
	Thresholds      map[string]float64 `yaml:"thresholds"`
}

// DefaultRules returns the embedded rule table.
func DefaultRules() *Rules {
	r, err := ParseRules(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("autonomy: invalid embedded rules: %v", err))
	}
	return r
}

// LoadRules reads a rule table from path, or returns the embedded table when
// path is empty.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read autonomy rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule table.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse autonomy rules: %w", err)
	}
	if len(r.Categories) == 0 {
		return nil, fmt.Errorf("autonomy rules define no categories")
	}
	for _, lvl := range []Level{Manual, Assisted, Autonomous} {
		if _, ok := r.Thresholds[lvl.String()]; !ok {
			return nil, fmt.Errorf("autonomy rules missing threshold for %s", lvl)
		}
	}
	if r.Default.Name == "" {
		r.Default.Name = "general"
	}
	return &r, nil
}

// Categorize returns the first rule matching text, or the default rule.
func (r *Rules) Categorize(text keywords.Text) CategoryRule {
	for _, c := range r.Categories {
		if c.matches(text) {
			return c
		}
	}
	return r.Default
}

// Threshold returns the confirmation threshold for level.
func (r *Rules) Threshold(level Level) float64 {
	return r.Thresholds[level.String()]
}
