package reasoning

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/easeaico/family-agent/internal/keywords"
)

//go:embed rules.yaml
var defaultRules []byte

// IntentRule maps keywords to an intent. Keywords match anywhere in the
// text unless WholeWords is set; Words always match whole tokens.
type IntentRule struct {
	Name       string   `yaml:"name"`
	Keywords   []string `yaml:"keywords"`
	Words      []string `yaml:"words"`
	WholeWords bool     `yaml:"whole_words"`
}

func (r IntentRule) matches(t keywords.Text) bool {
	for _, w := range r.Words {
		if t.HasWord(w) {
			return true
		}
	}
	if !r.WholeWords {
		return t.Any(r.Keywords)
	}
	for _, k := range r.Keywords {
		if t.HasWord(k) {
			return true
		}
	}
	return false
}

// Rules is the planner's keyword and tool table.
type Rules struct {
	Intents           []IntentRule        `yaml:"intents"`
	ComplexityMarkers []string            `yaml:"complexity_markers"`
	Conjunctions      []string            `yaml:"conjunctions"`
	Tools             map[string][]string `yaml:"tools"`
	RestrictedTools   []string            `yaml:"restricted_tools"`
	MaxTools          int                 `yaml:"max_tools"`
	MaxSubTasks       int                 `yaml:"max_sub_tasks"`

	splitters  []*regexp.Regexp
	restricted map[string]bool
}

// DefaultRules returns the embedded rule table.
func DefaultRules() *Rules {
	r, err := ParseRules(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("reasoning: invalid embedded rules: %v", err))
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
		return nil, fmt.Errorf("failed to read reasoning rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule table.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse reasoning rules: %w", err)
	}
	if len(r.Intents) == 0 {
		return nil, fmt.Errorf("reasoning rules define no intents")
	}
	for i, in := range r.Intents {
		if in.Name == "" || len(in.Keywords)+len(in.Words) == 0 {
			return nil, fmt.Errorf("intent %d needs a name and keywords", i)
		}
	}
	if r.MaxTools <= 0 {
		r.MaxTools = 5
	}
	if r.MaxSubTasks <= 0 {
		r.MaxSubTasks = 5
	}

	for _, c := range r.Conjunctions {
		words := strings.Fields(c)
		if len(words) == 0 {
			continue
		}
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		re, err := regexp.Compile(`(?i)\s+` + strings.Join(words, `\s+`) + `\s+`)
		if err != nil {
			return nil, fmt.Errorf("bad conjunction %q: %w", c, err)
		}
		r.splitters = append(r.splitters, re)
	}

	r.restricted = make(map[string]bool, len(r.RestrictedTools))
	for _, t := range r.RestrictedTools {
		r.restricted[t] = true
	}
	return &r, nil
}

// intents returns the names of every matching intent in table order.
func (r *Rules) intents(t keywords.Text) []string {
	var out []string
	for _, in := range r.Intents {
		if in.matches(t) {
			out = append(out, in.Name)
		}
	}
	return out
}

// split cuts message at every conjunction, one conjunction at a time.
func (r *Rules) split(message string) []string {
	segments := []string{message}
	for _, re := range r.splitters {
		var next []string
		for _, s := range segments {
			next = append(next, re.Split(s, -1)...)
		}
		segments = next
	}
	return segments
}
