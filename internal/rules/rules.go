// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rules maps release names to queue categories. Rules are
// loaded from a YAML file; each rule carries a boolean expression
// evaluated against metadata parsed out of the magnet's display name,
// and the first match wins.
package rules

import (
	"os"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/moistari/rls"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Env is what rule expressions evaluate against. Fields are filled
// from the parsed release name; a name that parses to nothing leaves
// them at their zero values.
type Env struct {
	Name       string
	Title      string
	Year       int
	Series     int
	Episode    int
	Resolution string
	Source     string
	Group      string
	Type       string
	Codec      []string
	HDR        []string
}

// Rule pairs a boolean expression with the category applied when it
// matches.
type Rule struct {
	Name     string `yaml:"name"`
	When     string `yaml:"when"`
	Category string `yaml:"category"`

	program *vm.Program
}

// File is the on-disk rule set.
type File struct {
	Default string `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// Engine evaluates rules in declaration order.
type Engine struct {
	rules           []Rule
	defaultCategory string
}

// Load reads and compiles a rule file.
func Load(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read rules file")
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse rules file")
	}
	return NewEngine(file)
}

// NewEngine compiles every rule expression up front so a bad rule is
// reported at startup, not on the submission path.
func NewEngine(file File) (*Engine, error) {
	engine := &Engine{
		rules:           make([]Rule, 0, len(file.Rules)),
		defaultCategory: file.Default,
	}

	for i, rule := range file.Rules {
		if rule.When == "" {
			return nil, errors.Errorf("rule %d (%s) has no when expression", i, rule.Name)
		}
		if rule.Category == "" {
			return nil, errors.Errorf("rule %d (%s) has no category", i, rule.Name)
		}

		program, err := expr.Compile(rule.When, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile rule %d (%s)", i, rule.Name)
		}
		rule.program = program
		engine.rules = append(engine.rules, rule)
	}

	return engine, nil
}

// Categorize returns the category of the first matching rule, or the
// file's default when nothing matches. A nil engine categorizes
// everything to the empty string so callers can fall back to their own
// default.
func (e *Engine) Categorize(displayName string) string {
	if e == nil {
		return ""
	}

	env := buildEnv(displayName)
	for _, rule := range e.rules {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return rule.Category
		}
	}
	return e.defaultCategory
}

// Default returns the rule file's fallback category.
func (e *Engine) Default() string {
	if e == nil {
		return ""
	}
	return e.defaultCategory
}

// Len reports how many rules are loaded.
func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

func buildEnv(displayName string) Env {
	release := rls.ParseString(displayName)
	return Env{
		Name:       displayName,
		Title:      release.Title,
		Year:       release.Year,
		Series:     release.Series,
		Episode:    release.Episode,
		Resolution: release.Resolution,
		Source:     release.Source,
		Group:      release.Group,
		Type:       release.Type.String(),
		Codec:      release.Codec,
		HDR:        release.HDR,
	}
}
