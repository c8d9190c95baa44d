// Package firewall implements C7: a pure, synchronous prompt-injection
// detector. Given a raw prompt it reports a risk score, matched threat
// tags, and a sanitized copy with injection spans redacted.
package firewall

import (
	"encoding/base64"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Result is the firewall's verdict for one prompt.
type Result struct {
	Safe             bool
	RiskScore        float64
	Threats          []string
	SanitizedPrompt  string
}

// SafeThreshold is the risk score below which a prompt is considered safe.
const SafeThreshold = 0.7

type pattern struct {
	tag    string
	weight float64
	re     *regexp.Regexp
}

// patterns is the core regex battery. Tags are not unique per pattern —
// several patterns can share a tag at different weights; risk_score takes
// the max across every match.
var patterns = []pattern{
	{"instruction_override", 0.9, regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?)`)},
	{"instruction_override", 0.85, regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|rules?)`)},
	{"instruction_override", 0.8, regexp.MustCompile(`(?i)forget\s+(everything|all|what)\s+.*(instructions?|told|said)`)},
	{"persona_hijack", 0.85, regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an)\s+\w+`)},
	{"persona_hijack", 0.8, regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)`)},
	{"persona_hijack", 0.75, regexp.MustCompile(`(?i)act\s+as\s+(if\s+you\s+(are|were)|a|an)\s+`)},
	{"system_prompt_injection", 0.9, regexp.MustCompile(`(?i)\bsystem\s*:\s*`)},
	{"system_prompt_injection", 0.85, regexp.MustCompile(`(?i)\[\s*system\s*\]`)},
	{"system_prompt_injection", 0.85, regexp.MustCompile(`(?i)<\s*system\s*>`)},
	{"format_injection", 0.6, regexp.MustCompile(`(?i)<\|.*?\|>`)},
	{"format_injection", 0.5, regexp.MustCompile(`(?i)\{\{.*(system|prompt|instructions).*\}\}`)},
	{"privilege_escalation", 0.85, regexp.MustCompile(`(?i)\b(admin|root|sudo)\s+mode\b`)},
	{"privilege_escalation", 0.8, regexp.MustCompile(`(?i)enable\s+(developer|debug|god)\s+mode`)},
	{"prompt_extraction", 0.8, regexp.MustCompile(`(?i)(repeat|print|reveal|show)\s+(your\s+)?(system\s+prompt|instructions)`)},
	{"prompt_extraction", 0.75, regexp.MustCompile(`(?i)what\s+(are|is)\s+your\s+(instructions|system\s+prompt|rules)`)},
	{"code_injection", 0.7, regexp.MustCompile(`(?i)\b(eval|exec)\s*\(`)},
	{"code_injection", 0.65, regexp.MustCompile("(?i)```\\s*(python|bash|sh|javascript)")},
	{"exfiltration_attempt", 0.75, regexp.MustCompile(`(?i)(send|post|upload|exfiltrate)\s+.*(to|via)\s+https?://`)},
	{"safety_bypass", 0.85, regexp.MustCompile(`(?i)\b(bypass|disable|circumvent)\s+(the\s+)?(safety|filter|guardrails?|restrictions?)`)},
	{"jailbreak", 0.9, regexp.MustCompile(`(?i)\bDAN\b.{0,20}(mode|prompt)`)},
	{"jailbreak", 0.85, regexp.MustCompile(`(?i)jailbreak`)},
}

// multilingualPatterns covers non-English "ignore previous instructions" /
// "admin mode" phrasings for Spanish, French, German, Portuguese, Chinese,
// Russian, Japanese, and Korean (two variants apiece).
var multilingualPatterns = []pattern{
	{"instruction_override", 0.85, regexp.MustCompile(`(?i)ignora\s+(las\s+)?instrucciones\s+anteriores`)},
	{"instruction_override", 0.85, regexp.MustCompile(`(?i)modo\s+admin`)},
	{"instruction_override", 0.85, regexp.MustCompile(`(?i)ignore[sz]\s+les\s+instructions\s+pr[ée]c[ée]dentes`)},
	{"instruction_override", 0.85, regexp.MustCompile(`(?i)mode\s+admin`)},
	{"instruction_override", 0.85, regexp.MustCompile(`(?i)ignoriere\s+(die\s+)?vorherigen\s+anweisungen`)},
	{"instruction_override", 0.85, regexp.MustCompile(`(?i)admin[- ]?modus`)},
	{"instruction_override", 0.85, regexp.MustCompile(`(?i)ignore\s+as\s+instru[cç][oõ]es\s+anteriores`)},
	{"instruction_override", 0.85, regexp.MustCompile(`(?i)modo\s+administrador`)},
	{"instruction_override", 0.85, regexp.MustCompile(`忽略(之前|以上)的?指令`)},
	{"instruction_override", 0.85, regexp.MustCompile(`管理员模式`)},
	{"instruction_override", 0.85, regexp.MustCompile(`игнорируй\s+предыдущие\s+инструкции`)},
	{"instruction_override", 0.85, regexp.MustCompile(`режим\s+администратора`)},
	{"instruction_override", 0.85, regexp.MustCompile(`(以前|前)の指示を無視`)},
	{"instruction_override", 0.85, regexp.MustCompile(`管理者モード`)},
	{"instruction_override", 0.85, regexp.MustCompile(`이전\s*지시(를|사항을)?\s*무시`)},
	{"instruction_override", 0.85, regexp.MustCompile(`관리자\s*모드`)},
}

var base64Pattern = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)

var base64Keywords = []string{
	"ignore", "previous", "instructions", "system", "admin",
	"jailbreak", "override", "bypass", "sudo", "eval", "exec",
}

var (
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardPattern = regexp.MustCompile(`\b(?:\d[ -]?){15,16}\b`)
	emailPattern      = regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`)
)

// charSplitEvasion matches runs of ≥4 single letters separated by a
// consistent '.', '-', '_' or space, e.g. "i.g.n.o.r.e" or "i g n o r e".
var charSplitEvasion = regexp.MustCompile(`\b(?:\pL[.\-_ ]){3,}\pL\b`)

// Analyze runs the full pipeline described in spec.md §4.5. It is pure: the
// same input always produces the same output.
func Analyze(prompt string) Result {
	if prompt == "" {
		return Result{Safe: true, RiskScore: 0, SanitizedPrompt: ""}
	}

	normalized := normalize(prompt)
	deEvaded := charSplitEvasion.ReplaceAllStringFunc(normalized, collapseEvasion)

	maxScore := 0.0
	tagSet := make(map[string]struct{})
	var matchedSpans []*regexp.Regexp

	applyBattery := func(text string, battery []pattern) {
		for _, p := range battery {
			if p.re.MatchString(text) {
				tagSet[p.tag] = struct{}{}
				if p.weight > maxScore {
					maxScore = p.weight
				}
				matchedSpans = append(matchedSpans, p.re)
			}
		}
	}

	lowerRaw := strings.ToLower(prompt)
	applyBattery(lowerRaw, patterns)
	applyBattery(deEvaded, patterns)
	applyBattery(lowerRaw, multilingualPatterns)
	applyBattery(deEvaded, multilingualPatterns)

	if tag, weight, hit := scanBase64(prompt); hit {
		tagSet[tag] = struct{}{}
		if weight > maxScore {
			maxScore = weight
		}
	}

	// Sensitive-data scan never blocks on its own (weight 0.5 cap ensures it
	// alone can't cross SafeThreshold) but still raises the score. Each
	// pattern raises its own tag rather than a single generic one.
	if ssnPattern.MatchString(prompt) {
		tagSet["ssn_detected"] = struct{}{}
		if 0.5 > maxScore {
			maxScore = 0.5
		}
	}
	if creditCardPattern.MatchString(prompt) {
		tagSet["credit_card_detected"] = struct{}{}
		if 0.5 > maxScore {
			maxScore = 0.5
		}
	}
	if emailPattern.MatchString(prompt) {
		tagSet["email_in_prompt"] = struct{}{}
		if 0.5 > maxScore {
			maxScore = 0.5
		}
	}

	for _, h := range heuristics(prompt) {
		tagSet[h.tag] = struct{}{}
		if h.score > maxScore {
			maxScore = h.score
		}
	}

	if maxScore > 1.0 {
		maxScore = 1.0
	}

	threats := make([]string, 0, len(tagSet))
	for tag := range tagSet {
		threats = append(threats, tag)
	}
	sort.Strings(threats)

	safe := maxScore < SafeThreshold
	sanitized := prompt
	if !safe {
		sanitized = redact(prompt, matchedSpans)
	}

	return Result{Safe: safe, RiskScore: maxScore, Threats: threats, SanitizedPrompt: sanitized}
}

// normalize applies NFKC then maps homoglyphs to ASCII lowercase.
func normalize(s string) string {
	nfkc := norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(nfkc))
	for _, r := range nfkc {
		if mapped, ok := homoglyphs[r]; ok {
			b.WriteRune(mapped)
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// homoglyphs maps common Latin/Cyrillic/Greek/fullwidth/circled lookalikes
// back to their plain ASCII letter.
var homoglyphs = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'у': 'y', 'х': 'x', 'і': 'i',
	'α': 'a', 'ο': 'o', 'ρ': 'p', 'ι': 'i', 'ν': 'v',
	'Ａ': 'a', 'Ｂ': 'b', 'Ｅ': 'e', 'Ｉ': 'i', 'Ｏ': 'o', 'Ｓ': 's',
	'ⓐ': 'a', 'ⓑ': 'b', 'ⓔ': 'e', 'ⓘ': 'i', 'ⓞ': 'o', 'ⓢ': 's',
}

// collapseEvasion removes the run's separator (the first one it contains)
// and turns any other separator into a space, so "i.g.n.o.r.e a.l.l"
// becomes "ignore all".
func collapseEvasion(s string) string {
	var sep rune
	var b strings.Builder
	for _, r := range s {
		if r == '.' || r == '-' || r == '_' || r == ' ' {
			if sep == 0 {
				sep = r
			}
			if r != sep {
				b.WriteRune(' ')
			}
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func scanBase64(prompt string) (tag string, weight float64, hit bool) {
	for _, candidate := range base64Pattern.FindAllString(prompt, -1) {
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			continue
		}
		lower := strings.ToLower(string(decoded))
		for _, kw := range base64Keywords {
			if strings.Contains(lower, kw) {
				return "base64_encoded_injection", 0.9, true
			}
		}
	}
	return "", 0, false
}

type heuristicHit struct {
	tag   string
	score float64
}

// heuristics evaluates each length/ratio/script-diversity check independently
// and returns every tag that applies — a prompt can be both over-length and
// high special-char ratio at once, and both must surface.
func heuristics(prompt string) []heuristicHit {
	runes := []rune(prompt)
	length := len(runes)

	var hits []heuristicHit

	if length > 50 {
		special := 0
		for _, r := range runes {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
				special++
			}
		}
		if float64(special)/float64(length) > 0.3 {
			hits = append(hits, heuristicHit{"high_special_char_ratio", 0.6})
		}
	}

	if length > 10000 {
		hits = append(hits, heuristicHit{"abnormal_length", 0.5})
	}

	if scriptDiversityHit(runes) {
		hits = append(hits, heuristicHit{"obfuscation", 0.75})
	}

	return hits
}

func scriptDiversityHit(runes []rune) bool {
	if len(runes) == 0 {
		return false
	}
	scripts := make(map[string]struct{})
	nonASCII := 0
	for _, r := range runes {
		if r > unicode.MaxASCII {
			nonASCII++
		}
		scripts[scriptOf(r)] = struct{}{}
	}
	ratio := float64(nonASCII) / float64(len(runes))
	return len(scripts) >= 5 && ratio > 0.15
}

func scriptOf(r rune) string {
	switch {
	case unicode.Is(unicode.Latin, r):
		return "latin"
	case unicode.Is(unicode.Cyrillic, r):
		return "cyrillic"
	case unicode.Is(unicode.Greek, r):
		return "greek"
	case unicode.Is(unicode.Han, r):
		return "han"
	case unicode.Is(unicode.Hiragana, r):
		return "hiragana"
	case unicode.Is(unicode.Katakana, r):
		return "katakana"
	case unicode.Is(unicode.Hangul, r):
		return "hangul"
	case unicode.Is(unicode.Arabic, r):
		return "arabic"
	case unicode.Is(unicode.Hebrew, r):
		return "hebrew"
	case unicode.IsDigit(r):
		return "digit"
	case unicode.IsSpace(r), unicode.IsPunct(r):
		return "common"
	default:
		return "other"
	}
}

func redact(prompt string, res []*regexp.Regexp) string {
	out := prompt
	for _, re := range res {
		out = re.ReplaceAllString(out, "[BLOCKED]")
	}
	return out
}
