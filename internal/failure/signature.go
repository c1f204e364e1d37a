package failure

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
)

const (
	maxSignatureSymptoms = 20
	maxContentKeywords   = 30
	signatureHashLength  = 16
)

// symptomIndicators are the substrings a token must contain to count as a
// symptom keyword. Tokens without one are dropped from the signature.
var symptomIndicators = []string{
	"not", "error", "fail", "fault", "warn", "code",
	"noise", "sound", "click", "grind", "squeal", "hum", "buzz", "rattl",
	"heat", "hot", "temp", "smoke", "smell", "burn", "spark",
	"charg", "drain", "batter", "volt", "current", "power", "cell", "bms",
	"leak", "swell", "crack", "loose", "stuck", "jam",
	"slow", "lag", "jerk", "vibrat", "shak", "wobbl",
	"dead", "weak", "low", "high", "drop", "cut", "stop", "stall", "trip", "reset",
	"flicker", "blink", "blank", "dim", "light", "display",
	"start", "motor", "brake", "throttl", "speed", "range", "intermittent", "short",
}

// subsystemTerms maps symptom tokens to the subsystem they most likely point at.
var subsystemTerms = []struct {
	term      string
	subsystem Subsystem
}{
	{"battery", SubsystemBattery},
	{"batteries", SubsystemBattery},
	{"cell", SubsystemBattery},
	{"bms", SubsystemBMS},
	{"motor", SubsystemMotor},
	{"controller", SubsystemController},
	{"throttle", SubsystemController},
	{"charger", SubsystemCharger},
	{"charging", SubsystemCharger},
	{"brake", SubsystemBrakes},
	{"brakes", SubsystemBrakes},
	{"suspension", SubsystemSuspension},
	{"shock", SubsystemSuspension},
	{"wiring", SubsystemElectrical},
	{"fuse", SubsystemElectrical},
	{"display", SubsystemDisplay},
	{"dashboard", SubsystemDisplay},
	{"gear", SubsystemTransmission},
	{"belt", SubsystemTransmission},
	{"coolant", SubsystemCooling},
	{"fan", SubsystemCooling},
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true, "that": true,
	"this": true, "was": true, "are": true, "has": true, "have": true, "had": true,
	"when": true, "after": true, "before": true, "into": true, "onto": true,
	"then": true, "than": true, "there": true, "their": true, "they": true,
	"will": true, "would": true, "should": true, "could": true, "been": true,
	"being": true, "also": true, "only": true, "very": true, "some": true,
	"any": true, "all": true, "its": true, "while": true, "over": true, "under": true,
}

// tokenize lower-cases text and splits it on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isSymptomToken(tok string) bool {
	for _, ind := range symptomIndicators {
		if strings.Contains(tok, ind) {
			return true
		}
	}
	return false
}

// ExtractSymptoms returns the sorted, deduplicated symptom keywords in text.
// The cap applies after sorting, so token order never changes the result.
func ExtractSymptoms(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range tokenize(text) {
		if seen[tok] || !isSymptomToken(tok) {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	sort.Strings(out)
	if len(out) > maxSignatureSymptoms {
		out = out[:maxSignatureSymptoms]
	}
	return out
}

// ExtractKeywords returns content keywords from the given texts: tokens of
// three or more characters that are not stop words, deduplicated and capped.
func ExtractKeywords(texts ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, text := range texts {
		for _, tok := range tokenize(text) {
			if len(tok) < 3 || stopWords[tok] || seen[tok] {
				continue
			}
			seen[tok] = true
			out = append(out, tok)
			if len(out) == maxContentKeywords {
				return out
			}
		}
	}
	return out
}

// NormalizeErrorCodes trims, upper-cases, deduplicates and sorts error codes.
func NormalizeErrorCodes(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// InferSubsystem guesses a subsystem from the tokens in text. When several
// subsystems are named, the earliest entry in subsystemTerms wins.
func InferSubsystem(text string) Subsystem {
	tokens := make(map[string]bool)
	for _, tok := range tokenize(text) {
		tokens[tok] = true
	}
	for _, st := range subsystemTerms {
		if tokens[st.term] {
			return st.subsystem
		}
	}
	return ""
}

// BuildSignature derives a normalized signature and its hash from raw inputs.
// An empty subsystem hint is inferred from the symptom text.
func BuildSignature(symptomText string, errorCodes []string, subsystem Subsystem, mode FailureMode, temperatureRange, loadCondition string) (Signature, string) {
	if subsystem == "" {
		subsystem = InferSubsystem(symptomText)
	}
	sig := Signature{
		PrimarySymptoms:  ExtractSymptoms(symptomText),
		ErrorCodes:       NormalizeErrorCodes(errorCodes),
		Subsystem:        subsystem,
		FailureMode:      mode,
		TemperatureRange: strings.TrimSpace(temperatureRange),
		LoadCondition:    strings.TrimSpace(loadCondition),
	}
	return sig, hashSignature(sig)
}

// Hash returns the signature hash of s. Primary symptoms are treated as free
// text, so a stored signature and one built from the same text hash alike.
func (s Signature) Hash() string {
	_, h := BuildSignature(strings.Join(s.PrimarySymptoms, " "), s.ErrorCodes, s.Subsystem, s.FailureMode, s.TemperatureRange, s.LoadCondition)
	return h
}

func hashSignature(sig Signature) string {
	parts := []string{
		strings.Join(sig.PrimarySymptoms, ","),
		strings.Join(sig.ErrorCodes, ","),
		string(sig.Subsystem),
		string(sig.FailureMode),
		sig.TemperatureRange,
		sig.LoadCondition,
	}
	sum := sha256.Sum256([]byte(strings.ToLower(strings.Join(parts, "|"))))
	return hex.EncodeToString(sum[:])[:signatureHashLength]
}
