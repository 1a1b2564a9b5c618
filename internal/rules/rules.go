// Package rules computes the label paths a message should carry.
// Evaluation is pure: no network, no cache, no side effects, so the
// same metadata and configuration always produce the same labels.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/tmcfarlane/mailsort/internal/config"
	"github.com/tmcfarlane/mailsort/internal/message"
)

// Ignored reports whether the message carries a label from the ignore
// set, which excludes it from processing entirely.
func Ignored(meta *message.Metadata, cfg config.Config) bool {
	for _, ignore := range cfg.IgnoreLabels {
		if meta.HasLabel(ignore) {
			return true
		}
	}
	return false
}

// Evaluate returns the ordered, de-duplicated set of label paths for
// a message: the date label first, then the sender label, then
// keyword labels in category order.
func Evaluate(meta *message.Metadata, cfg config.Config) []string {
	var out []string
	seen := map[string]bool{}
	add := func(path string) {
		if path != "" && !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}

	if cfg.Date.Enabled {
		add(dateLabel(meta.ReceivedAt, cfg.Date))
	}
	if cfg.Sender.Enabled {
		add(senderLabel(meta, cfg.Sender))
	}
	if cfg.Keyword.Enabled {
		for _, path := range keywordLabels(meta, cfg.Keyword) {
			add(path)
		}
	}
	return out
}

// dateLabel yields "YYYY/MM", zero padded, in the configured zone.
func dateLabel(received time.Time, rule config.DateRule) string {
	if received.IsZero() {
		return ""
	}
	if rule.Timezone != "" {
		if loc, err := time.LoadLocation(rule.Timezone); err == nil {
			received = received.In(loc)
		}
	}
	return fmt.Sprintf("%04d/%02d", received.Year(), int(received.Month()))
}

func senderLabel(meta *message.Metadata, rule config.SenderRule) string {
	if meta.SenderDomain == "" {
		return ""
	}
	switch rule.Mode {
	case config.SenderByDomain:
		return "Senders/Domains/" + meta.SenderDomain
	case config.SenderByOrganization:
		org := rule.Organizations[meta.SenderDomain]
		if org == "" {
			org = meta.SenderDomain
		}
		return "Senders/Organizations/" + org
	case config.SenderByPerson:
		name := cleanPersonName(meta.SenderName)
		if name == "" {
			name, _, _ = strings.Cut(meta.SenderAddress, "@")
		}
		if name == "" {
			return ""
		}
		return "Senders/People/" + name
	}
	return ""
}

// cleanPersonName strips characters that are unsafe in a label path
// and bounds the length.
func cleanPersonName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_', r == '-', r == ' ':
			b.WriteRune(r)
		}
	}
	cleaned := strings.TrimSpace(b.String())
	if len(cleaned) > 50 {
		cleaned = strings.TrimSpace(cleaned[:50])
	}
	return cleaned
}

// keywordLabels matches each category's terms against the subject and
// snippet, case-insensitively.  One label per matched category; the
// first matching term wins.  Categories are visited in sorted order
// so output is deterministic.
func keywordLabels(meta *message.Metadata, rule config.KeywordRule) []string {
	haystack := strings.ToLower(meta.Subject + " " + meta.Snippet)

	categories := make([]string, 0, len(rule.Categories))
	for name := range rule.Categories {
		categories = append(categories, name)
	}
	sort.Strings(categories)

	var out []string
	for _, category := range categories {
		for _, term := range rule.Categories[category] {
			if term == "" {
				continue
			}
			if strings.Contains(haystack, strings.ToLower(term)) {
				out = append(out, "Keywords/"+titleCase(category))
				break
			}
		}
	}
	return out
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
