package ingest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/msageha/replyq/internal/model"
)

// Rule decides whether an event should produce a task. Rules are evaluated
// independently; Deduplicated reports whether a match is subject to the
// first-occurrence-per-conversation suppression.
type Rule interface {
	Name() string
	Match(ev Event) bool
	Deduplicated() bool
}

// FlowRule fires on system events tagged with a specific flow id. Matches
// always create a task.
type FlowRule struct {
	SystemType string
	FlowID     string
}

func (r FlowRule) Name() string { return "flow:" + r.FlowID }

func (r FlowRule) Match(ev Event) bool {
	return r.FlowID != "" && ev.Type == r.SystemType && ev.FlowID == r.FlowID
}

func (r FlowRule) Deduplicated() bool { return false }

// TextRule fires when the free-text payload looks like a candidate response.
type TextRule struct {
	Pattern *regexp.Regexp
}

func (r TextRule) Name() string { return "text" }

func (r TextRule) Match(ev Event) bool {
	if r.Pattern == nil {
		return false
	}
	text := strings.TrimSpace(ev.Text)
	return text != "" && r.Pattern.MatchString(text)
}

func (r TextRule) Deduplicated() bool { return true }

// RulesFromConfig builds the flow rule followed by the text rule. An empty
// flow id or text pattern disables the corresponding rule.
func RulesFromConfig(cfg model.IngestConfig) ([]Rule, error) {
	var rules []Rule
	if cfg.FlowID != "" {
		rules = append(rules, FlowRule{SystemType: cfg.SystemType, FlowID: cfg.FlowID})
	}
	if cfg.TextPattern != "" {
		re, err := regexp.Compile(cfg.TextPattern)
		if err != nil {
			return nil, fmt.Errorf("compile text pattern: %w", err)
		}
		rules = append(rules, TextRule{Pattern: re})
	}
	return rules, nil
}
