// Package scorer implements the Stage-1 pattern-based risk classifier.
//
// Score is pure and deterministic: no I/O, no shared mutable state. Every
// regex is compiled once at package init so the hot path only scans.
package scorer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/adred-codev/chat-interceptor/internal/message"
)

// category names, in canonical label-order.
const (
	catPhone       = "phone"
	catEmail       = "email"
	catURL         = "url"
	catSocial      = "social"
	catObfuscation = "obfuscation"
)

var categoryOrder = []string{catPhone, catEmail, catURL, catSocial, catObfuscation}

var weights = map[string]float64{
	catPhone:       0.85,
	catEmail:       0.80,
	catURL:         0.50,
	catSocial:      0.40,
	catObfuscation: 0.15,
}

var labelFor = map[string]string{
	catPhone:       "contact_info_phone",
	catEmail:       "contact_info_email",
	catURL:         "external_link",
	catSocial:      "social_platform_mention",
	catObfuscation: "obfuscation_detected",
}

var patterns = map[string][]*regexp.Regexp{
	catPhone: {
		regexp.MustCompile(`(?:\+|00)\d{1,3}[\s.-]?\d{1,4}[\s.-]?\d{1,4}[\s.-]?\d{1,9}`),
		regexp.MustCompile(`\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}`),
		regexp.MustCompile(`\b\d{10,15}\b`),
	},
	catEmail: {
		regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`),
		regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+\s*\(?at\)?\s+[A-Z0-9.-]+\s*\(?dot\)?\s+[A-Z]{2,}\b`),
		regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+\s+@\s+[A-Z0-9.-]+\.[A-Z]{2,}\b`),
	},
	catURL: {
		regexp.MustCompile(`(?i)\bhttps?://[^\s]+`),
		regexp.MustCompile(`(?i)\bwww\.[^\s]+`),
		regexp.MustCompile(`(?i)\b(?:bit\.ly|tinyurl\.com|goo\.gl|t\.co|short\.link)/[^\s]+`),
	},
	catSocial: {
		regexp.MustCompile(`(?i)\b(whatsapp|telegram|snapchat|snap|insta|instagram|discord|kik|signal)\b`),
		regexp.MustCompile(`(?i)\bdm\s+me\b`),
		regexp.MustCompile(`(?i)\btext\s+me\b`),
		regexp.MustCompile(`(?i)\bcontact\s+(?:me|us)\s+(?:at|on)\b`),
	},
	catObfuscation: {
		regexp.MustCompile(`[A-Za-z0-9]\s{2,}[A-Za-z0-9]`),
		regexp.MustCompile(`(?i)\(at\)[^(]*\(dot\)`),
		regexp.MustCompile(`(?i)\b(zero|one|two|three|four|five|six|seven|eight|nine)\b`),
	},
}

// Limits are the scorer's configuration-derived tunables.
type Limits struct {
	MaxMessageLength int
}

// Score classifies content and returns the full intercept result, given the
// sync threshold and length limit from configuration. It never mutates its
// inputs and always returns identical output for identical (content, cfg).
func Score(content string, syncThreshold float64, limits Limits) message.Result {
	if limits.MaxMessageLength > 0 && utf8.RuneCountInString(content) > limits.MaxMessageLength {
		return message.Result{
			Allowed:     false,
			Action:      message.ActionHardBlock,
			RiskScore:   1.0,
			Labels:      []string{"message_too_long"},
			BlockReason: fmt.Sprintf("Message exceeds the maximum allowed length of %d characters.", limits.MaxMessageLength),
		}
	}

	matches := findMatches(content)
	score := computeScore(matches)
	labels := labelsFor(matches)

	return decide(score, syncThreshold, matches, labels)
}

// findMatches scans content against every category's regex set and collapses
// hits into one PatternMatch per matched category.
func findMatches(content string) []message.PatternMatch {
	var out []message.PatternMatch
	for _, cat := range categoryOrder {
		set := map[string]struct{}{}
		var ordered []string
		for _, re := range patterns[cat] {
			for _, m := range re.FindAllString(content, -1) {
				trimmed := strings.TrimSpace(m)
				if trimmed == "" {
					continue
				}
				if _, seen := set[trimmed]; !seen {
					set[trimmed] = struct{}{}
					ordered = append(ordered, trimmed)
				}
			}
		}
		if len(ordered) == 0 {
			continue
		}
		sort.Strings(ordered)
		samples := ordered
		if len(samples) > 3 {
			samples = samples[:3]
		}
		out = append(out, message.PatternMatch{
			Type:    cat,
			Count:   len(ordered),
			Samples: samples,
		})
	}
	return out
}

// computeScore applies the weighting formula: the larger of (highest
// single-category weight x0.85) and (aggregated contribution x0.7), plus a
// small multi-type boost, capped at 1.0.
func computeScore(matches []message.PatternMatch) float64 {
	if len(matches) == 0 {
		return 0.0
	}

	var maxWeight, totalContribution float64
	for _, m := range matches {
		w := weights[m.Type]
		if w > maxWeight {
			maxWeight = w
		}
		capped := m.Count
		if capped > 3 {
			capped = 3
		}
		totalContribution += w * float64(capped) / 3.0
	}

	multiTypeBoost := 0.0
	if len(matches) > 1 {
		multiTypeBoost = 0.10 * float64(len(matches)-1)
	}

	raw := maxWeight * 0.85
	if alt := totalContribution * 0.7; alt > raw {
		raw = alt
	}
	raw += multiTypeBoost

	if raw > 1.0 {
		raw = 1.0
	}
	return raw
}

func labelsFor(matches []message.PatternMatch) []string {
	labels := make([]string, 0, len(matches))
	if len(matches) == 0 {
		return labels
	}
	for _, m := range matches {
		labels = append(labels, labelFor[m.Type])
	}
	return labels
}

func decide(score, syncThreshold float64, matches []message.PatternMatch, labels []string) message.Result {
	switch {
	case score >= syncThreshold:
		return message.Result{
			Allowed:     false,
			Action:      message.ActionHardBlock,
			RiskScore:   score,
			Labels:      labels,
			BlockReason: blockReason(matches),
		}
	case score >= 0.40:
		return message.Result{
			Allowed:      true,
			Action:       message.ActionNudge,
			RiskScore:    score,
			Labels:       labels,
			NudgeMessage: nudgeMessage(matches),
		}
	default:
		return message.Result{
			Allowed:   true,
			Action:    message.ActionAllow,
			RiskScore: score,
			Labels:    labels,
		}
	}
}

// humanNames maps category to the human phrase used in block reasons.
var humanNames = map[string]string{
	catPhone:       "a phone number",
	catEmail:       "an email address",
	catURL:         "a link",
	catSocial:      "a social platform mention",
	catObfuscation: "obfuscated contact information",
}

func blockReason(matches []message.PatternMatch) string {
	if len(matches) == 0 {
		return "This message was blocked for violating platform policy. Keep conversations on the platform for your safety."
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, humanNames[m.Type])
	}
	return fmt.Sprintf("This message appears to contain %s. Keep conversations on the platform for your safety.", joinHuman(names))
}

func nudgeMessage(matches []message.PatternMatch) string {
	highest := ""
	highestWeight := -1.0
	for _, m := range matches {
		if w := weights[m.Type]; w > highestWeight {
			highestWeight = w
			highest = m.Type
		}
	}
	switch highest {
	case catPhone, catEmail:
		return "Sharing personal contact information may violate platform policies and puts your safety at risk."
	case catSocial:
		return "We noticed you're trying to move the conversation off-platform. Messages sent here are protected; please continue here."
	default:
		return "This message may violate our community guidelines. Please review our policies before sending similar content."
	}
}

func joinHuman(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + ", and " + items[len(items)-1]
	}
}
