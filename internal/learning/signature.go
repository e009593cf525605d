// Package learning maintains the learned pattern corpus and answers
// similarity, prediction and reporting queries over it.
package learning

import (
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

// maxNormalizedLen bounds the normalized error text kept for similarity.
const maxNormalizedLen = 4000

var (
	ansiRe      = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:z|[+-]\d{2}:?\d{2})?`)
	uuidRe      = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	quotedRe    = regexp.MustCompile("\"[^\"\\n]*\"|'[^'\\n]*'|`[^`\\n]*`")
	pathRe      = regexp.MustCompile(`(?:[a-z]:)?(?:[\w.\-~]*/)+[\w.\-]+`)
	hexRe       = regexp.MustCompile(`\b(?:0x[0-9a-f]+|[0-9a-f]{7,64})\b`)
	numberRe    = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// Normalize reduces an error log to a stable form: volatile fragments such as
// timestamps, ids, numbers, quoted values and paths become placeholders.
// Normalize is idempotent.
func Normalize(text string) string {
	s := strings.ToLower(text)
	s = ansiRe.ReplaceAllString(s, " ")
	s = timestampRe.ReplaceAllString(s, " ")
	s = uuidRe.ReplaceAllString(s, "<uuid>")
	s = quotedRe.ReplaceAllString(s, "<str>")
	s = pathRe.ReplaceAllString(s, "<path>")
	s = hexRe.ReplaceAllString(s, "<hex>")
	s = numberRe.ReplaceAllString(s, "<n>")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxNormalizedLen {
		s = strings.TrimSpace(strings.ToValidUTF8(s[:maxNormalizedLen], ""))
	}
	return s
}

// Signature returns the hex BLAKE2b-256 digest of the normalized error text.
func Signature(errorLog string) string {
	return digest(Normalize(errorLog))
}

// FixHash identifies a fix text independent of surrounding whitespace.
func FixHash(fix string) string {
	return digest(strings.Join(strings.Fields(fix), " "))
}

func digest(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// tokenize splits normalized text into word and placeholder tokens.
func tokenize(normalized string) []string {
	return strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '<' && r != '>'
	})
}

type categoryRule struct {
	category string
	keywords []string
}

// Checked in order; the first rule with a matching keyword wins.
var categoryRules = []categoryRule{
	{"timeout", []string{"timed out", "timeout", "deadline exceeded"}},
	{"dependency", []string{"cannot find module", "module not found", "no matching version", "could not resolve", "unable to resolve", "package not found", "no required module", "npm err", "pip install", "lockfile", "go.sum", "proxy.golang.org", "requirements.txt", "dependency"}},
	{"compilation", []string{"syntax error", "compilation failed", "cannot find symbol", "undefined:", "undefined reference", "build failed", "error ts", "compile"}},
	{"test", []string{"--- fail", "assertionerror", "assert", "test failed", "tests failed", "failing test", "expected"}},
	{"lint", []string{"lint", "eslint", "golangci", "flake8", "prettier", "gofmt", "formatting"}},
	{"permission", []string{"permission denied", "unauthorized", "forbidden", "authentication", "access denied"}},
	{"infrastructure", []string{"no space left", "out of memory", "killed", "connection refused", "network", "rate limit", "503"}},
}

// CategoryUnknown is assigned when no rule matches.
const CategoryUnknown = "unknown"

// Classify assigns an error category from keywords in the log.
func Classify(errorLog string) string {
	s := strings.ToLower(errorLog)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(s, kw) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}
