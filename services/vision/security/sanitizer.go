// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package security

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// InjectionPatterns holds the raw bytes of injection_patterns.yaml.
//
// Baked into the binary at compile time so the pattern set is immutable at
// runtime and travels with the executable.
//
//go:embed injection_patterns.yaml
var InjectionPatterns []byte

// injectionPatternFile is the YAML shape of the embedded pattern set.
type injectionPatternFile struct {
	Patterns []injectionPattern `yaml:"patterns"`
}

type injectionPattern struct {
	Id          string `yaml:"id"`
	Description string `yaml:"description"`
	Priority    int    `yaml:"priority"`
	Regex       string `yaml:"regex"`

	compiled *regexp.Regexp
}

// SanitizeResult is the outcome of sanitizing one text field.
type SanitizeResult struct {
	// Text is the sanitized text, safe to interpolate into a prompt
	// template.
	Text string

	// InjectionDetected is true when at least one pattern matched.
	InjectionDetected bool

	// MatchedPatternIDs lists the pattern ids that matched, in priority
	// order.
	MatchedPatternIDs []string
}

// Sanitizer strips suspected prompt-injection sequences from
// user-controlled text before it reaches a cloud prompt template.
//
// # Description
//
// The cloud vision backend interpolates user text (work-type notes, site
// labels) into its prompt. The sanitizer guarantees the backend never
// receives unescaped control sequences: matched spans are removed, control
// characters are dropped, and template delimiters can never survive.
//
// A detection is logged by the caller as a PromptInjectionAttempt but is
// not fatal; analysis continues with the sanitized text.
//
// # Thread Safety
//
// Immutable after construction. Safe for concurrent use.
type Sanitizer struct {
	patterns []injectionPattern
}

// NewSanitizer compiles the embedded injection pattern set.
//
// Returns an error if the embedded YAML is malformed or a regex fails to
// compile; both indicate a broken build rather than a runtime condition.
func NewSanitizer() (*Sanitizer, error) {
	var file injectionPatternFile
	if err := yaml.Unmarshal(InjectionPatterns, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded injection patterns: %w", err)
	}
	for i := range file.Patterns {
		re, err := regexp.Compile(file.Patterns[i].Regex)
		if err != nil {
			return nil, fmt.Errorf("failed to compile injection pattern %q: %w", file.Patterns[i].Id, err)
		}
		file.Patterns[i].compiled = re
	}
	sort.SliceStable(file.Patterns, func(i, j int) bool {
		return file.Patterns[i].Priority > file.Patterns[j].Priority
	})
	return &Sanitizer{patterns: file.Patterns}, nil
}

// Sanitize removes suspected injection sequences and control characters
// from user-controlled text.
//
// # Inputs
//
//   - text: Raw user-controlled text destined for a prompt template.
//
// # Outputs
//
//   - SanitizeResult: Sanitized text plus detection details.
func (s *Sanitizer) Sanitize(text string) SanitizeResult {
	result := SanitizeResult{Text: text}

	for _, p := range s.patterns {
		if p.compiled.MatchString(result.Text) {
			result.InjectionDetected = true
			result.MatchedPatternIDs = append(result.MatchedPatternIDs, p.Id)
			result.Text = p.compiled.ReplaceAllString(result.Text, " ")
		}
	}

	result.Text = stripControlRunes(result.Text)
	result.Text = strings.TrimSpace(collapseSpaces(result.Text))
	return result
}

// stripControlRunes drops non-printable control characters, keeping plain
// whitespace.
func stripControlRunes(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == ' ' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// collapseSpaces replaces runs of spaces left behind by pattern removal.
func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
