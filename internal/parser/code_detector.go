package parser

import (
	"regexp"
	"strings"
)

// Code is a one-time code found in a message
type Code struct {
	Type  string
	Value string
}

// CodeDetector detects confirmation codes in text
type CodeDetector struct {
	patterns []*codePattern
}

type codePattern struct {
	Type  string
	Regex *regexp.Regexp
}

// NewCodeDetector creates a new code detector
func NewCodeDetector() *CodeDetector {
	return &CodeDetector{
		patterns: []*codePattern{
			{
				Type:  "otp",
				Regex: regexp.MustCompile(`(?i)(?:code|otp|pin)[\s:\-]*(\d{4,8})\b`),
			},
			{
				Type:  "verification",
				Regex: regexp.MustCompile(`(?i)(?:verification|confirm|login)[\s\w]*[\s:\-]+(\d{4,8})\b`),
			},
			// 4-8 digits on their own line
			{
				Type:  "code",
				Regex: regexp.MustCompile(`(?m)^\s*(\d{4,8})\s*$`),
			},
		},
	}
}

// DetectCodes finds all confirmation codes in text, most specific patterns first
func (d *CodeDetector) DetectCodes(text string) []Code {
	var codes []Code
	seen := make(map[string]bool)

	for _, pattern := range d.patterns {
		for _, match := range pattern.Regex.FindAllStringSubmatch(text, -1) {
			if len(match) < 2 {
				continue
			}
			code := strings.TrimSpace(match[1])
			if seen[code] {
				continue
			}
			seen[code] = true
			codes = append(codes, Code{Type: pattern.Type, Value: code})
		}
	}

	return codes
}

// FirstCode returns the most specific code in text or ""
func (d *CodeDetector) FirstCode(text string) string {
	codes := d.DetectCodes(text)
	if len(codes) == 0 {
		return ""
	}
	return codes[0].Value
}
