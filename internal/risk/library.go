package risk

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

//go:embed rules.toml
var builtinRules []byte

// ErrInvalidRuleset is returned when a ruleset file fails to load.
var ErrInvalidRuleset = errors.New("risk: invalid ruleset")

// GenericSafeMessage is shown to users when no better template applies or
// content could not be classified.
const GenericSafeMessage = "I need to keep our conversation safe and supportive."

// Stage groups tiers that share an outcome.
type Stage string

const (
	StageHardDeny    Stage = "hard_deny"
	StageSoftRewrite Stage = "soft_rewrite"
	StageEscalate    Stage = "escalate"
	StageSilence     Stage = "silence"
	StageDelay       Stage = "delay"
	StageSummarize   Stage = "summarize"
)

// Evaluation order within each stage. A ruleset can omit a tier but cannot
// reorder them.
var stageOrder = map[Stage][]Category{
	StageHardDeny: {
		CategorySelfHarm,
		CategorySexualMinors,
		CategorySexualContent,
		CategoryIllegalIntent,
		CategoryGrooming,
		CategoryPlatformSafety,
	},
	StageSoftRewrite: {
		CategoryEmotionalDependency,
		CategoryRomanticEscalation,
		CategoryManipulativePhrasing,
		CategoryAggression,
		CategoryExclusivity,
	},
	StageEscalate:  {CategoryPanicLanguage, CategoryRepeatedHarassment},
	StageSilence:   {CategoryRepeatedHarassment, CategoryEmotionalPressure},
	StageDelay:     {CategoryManipulativeUrgency},
	StageSummarize: {CategoryInformationOverload},
}

// Rule is a single weighted pattern.
type Rule struct {
	Category    Category
	Pattern     string
	Weight      int
	Description string

	re *regexp.Regexp
}

// Matches reports whether the rule matches text.
func (r *Rule) Matches(text string) bool {
	return r.re.MatchString(text)
}

// Tier is the set of rules for one category within a stage.
type Tier struct {
	Stage    Stage
	Category Category
	Rules    []Rule
}

// MinorOnly reports whether the tier is evaluated only in minor context.
func (t *Tier) MinorOnly() bool {
	return t.Category == CategoryGrooming
}

// evaluate returns the descriptions and weights of every matching rule, in
// rule definition order.
func (t *Tier) evaluate(text string) ([]string, []int) {
	var descs []string
	var weights []int
	for i := range t.Rules {
		if t.Rules[i].Matches(text) {
			descs = append(descs, t.Rules[i].Description)
			weights = append(weights, t.Rules[i].Weight)
		}
	}
	return descs, weights
}

// Library is an immutable, versioned pattern table.
type Library struct {
	version   string
	stages    map[Stage][]Tier
	templates map[Stage]map[Category][]string
	defaults  map[Stage][]string
	crisis    []string
}

// Version identifies the ruleset. It is part of every trace id.
func (l *Library) Version() string { return l.version }

// Tiers returns the tiers of a stage in evaluation order.
func (l *Library) Tiers(s Stage) []Tier { return l.stages[s] }

// Template returns the first response template for a category, falling
// back to the stage default and then the generic safe message.
func (l *Library) Template(s Stage, c Category) string {
	if ts := l.templates[s][c]; len(ts) > 0 {
		return ts[0]
	}
	if ds := l.defaults[s]; len(ds) > 0 {
		return ds[0]
	}
	return GenericSafeMessage
}

// HasCrisisIndicator reports whether content contains any crisis keyword.
func (l *Library) HasCrisisIndicator(content string) bool {
	text := strings.ToLower(content)
	for _, kw := range l.crisis {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

var (
	builtinOnce sync.Once
	builtinLib  *Library
)

// Default returns the builtin ruleset. It panics if the embedded file is
// invalid, which can only happen at build time.
func Default() *Library {
	builtinOnce.Do(func() {
		lib, err := Parse(builtinRules)
		if err != nil {
			panic(fmt.Sprintf("risk: builtin ruleset: %v", err))
		}
		builtinLib = lib
	})
	return builtinLib
}

// LoadFile reads and parses a ruleset from disk.
func LoadFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("risk: read ruleset: %w", err)
	}
	return Parse(data)
}

type rulesetFile struct {
	Version     string     `toml:"version"`
	HardDeny    []tierFile `toml:"hard_deny"`
	SoftRewrite []tierFile `toml:"soft_rewrite"`
	Escalate    []tierFile `toml:"escalate"`
	Silence     []tierFile `toml:"silence"`
	Delay       []tierFile `toml:"delay"`
	Summarize   []tierFile `toml:"summarize"`
	Crisis      struct {
		Keywords []string `toml:"keywords"`
	} `toml:"crisis"`
	Templates map[string]map[string][]string `toml:"templates"`
}

type tierFile struct {
	Category string     `toml:"category"`
	Rules    []ruleFile `toml:"rules"`
}

type ruleFile struct {
	Pattern     string `toml:"pattern"`
	Weight      int    `toml:"weight"`
	Description string `toml:"description"`
}

// Parse decodes and compiles a TOML ruleset. Unknown keys, unknown
// categories, out-of-range weights and invalid patterns are all errors.
func Parse(data []byte) (*Library, error) {
	var f rulesetFile
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleset, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidRuleset, undecoded[0].String())
	}
	if strings.TrimSpace(f.Version) == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidRuleset)
	}

	lib := &Library{
		version:   f.Version,
		stages:    make(map[Stage][]Tier),
		templates: make(map[Stage]map[Category][]string),
		defaults:  make(map[Stage][]string),
	}

	sections := map[Stage][]tierFile{
		StageHardDeny:    f.HardDeny,
		StageSoftRewrite: f.SoftRewrite,
		StageEscalate:    f.Escalate,
		StageSilence:     f.Silence,
		StageDelay:       f.Delay,
		StageSummarize:   f.Summarize,
	}
	for stage, tiers := range sections {
		compiled, err := compileStage(stage, tiers)
		if err != nil {
			return nil, err
		}
		lib.stages[stage] = compiled
	}

	for _, kw := range f.Crisis.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			lib.crisis = append(lib.crisis, kw)
		}
	}

	for stageName, byCategory := range f.Templates {
		stage := Stage(stageName)
		if stage != StageHardDeny && stage != StageSoftRewrite {
			return nil, fmt.Errorf("%w: templates for unknown stage %q", ErrInvalidRuleset, stageName)
		}
		lib.templates[stage] = make(map[Category][]string)
		for name, texts := range byCategory {
			if name == "default" {
				lib.defaults[stage] = texts
				continue
			}
			c, err := ParseCategory(name)
			if err != nil {
				return nil, fmt.Errorf("%w: templates.%s: %v", ErrInvalidRuleset, stageName, err)
			}
			lib.templates[stage][c] = texts
		}
	}

	return lib, nil
}

func compileStage(stage Stage, tiers []tierFile) ([]Tier, error) {
	byCategory := make(map[Category]Tier, len(tiers))
	allowed := make(map[Category]bool)
	for _, c := range stageOrder[stage] {
		allowed[c] = true
	}

	for _, tf := range tiers {
		c, err := ParseCategory(tf.Category)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRuleset, stage, err)
		}
		if !allowed[c] {
			return nil, fmt.Errorf("%w: category %s not allowed in %s", ErrInvalidRuleset, c, stage)
		}
		if _, dup := byCategory[c]; dup {
			return nil, fmt.Errorf("%w: duplicate %s tier %s", ErrInvalidRuleset, stage, c)
		}
		if len(tf.Rules) == 0 {
			return nil, fmt.Errorf("%w: %s tier %s has no rules", ErrInvalidRuleset, stage, c)
		}

		tier := Tier{Stage: stage, Category: c, Rules: make([]Rule, 0, len(tf.Rules))}
		for _, rf := range tf.Rules {
			if rf.Weight < 0 || rf.Weight > 100 {
				return nil, fmt.Errorf("%w: %s weight %d out of range", ErrInvalidRuleset, c, rf.Weight)
			}
			re, err := regexp.Compile("(?i)" + rf.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: %s pattern %q: %v", ErrInvalidRuleset, c, rf.Pattern, err)
			}
			desc := rf.Description
			if desc == "" {
				desc = rf.Pattern
			}
			tier.Rules = append(tier.Rules, Rule{
				Category:    c,
				Pattern:     rf.Pattern,
				Weight:      rf.Weight,
				Description: desc,
				re:          re,
			})
		}
		byCategory[c] = tier
	}

	ordered := make([]Tier, 0, len(byCategory))
	for _, c := range stageOrder[stage] {
		if t, ok := byCategory[c]; ok {
			ordered = append(ordered, t)
		}
	}
	return ordered, nil
}
