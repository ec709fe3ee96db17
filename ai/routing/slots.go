package routing

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// compiledSlot is a SlotSpec ready for matching.
type compiledSlot struct {
	SlotSpec
	enumValues [][]string
	program    cel.Program
}

type slotCandidate struct {
	n     int
	value string
}

func newConstraintEnv() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("value", cel.StringType))
}

func compileSlot(env *cel.Env, spec SlotSpec) (*compiledSlot, error) {
	if !slotNameRe.MatchString(spec.Name) {
		return nil, fmt.Errorf("%w: slot name %q", ErrInvalidPattern, spec.Name)
	}
	if spec.Type == "" {
		spec.Type = SlotText
	}

	cs := &compiledSlot{SlotSpec: spec}
	switch spec.Type {
	case SlotText, SlotNumber, SlotDateTime:
	case SlotEnum:
		if len(spec.Values) == 0 {
			return nil, fmt.Errorf("%w: enum slot %q has no values", ErrInvalidPattern, spec.Name)
		}
		for _, v := range spec.Values {
			toks := Tokenize(v)
			if len(toks) == 0 {
				return nil, fmt.Errorf("%w: enum slot %q has an empty value", ErrInvalidPattern, spec.Name)
			}
			cs.enumValues = append(cs.enumValues, toks)
		}
	default:
		return nil, fmt.Errorf("%w: slot %q has unknown type %q", ErrInvalidPattern, spec.Name, spec.Type)
	}

	if spec.Constraint != "" {
		ast, issues := env.Compile(spec.Constraint)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: slot %q constraint: %v", ErrInvalidPattern, spec.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("%w: slot %q constraint must be boolean", ErrInvalidPattern, spec.Name)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("%w: slot %q constraint: %v", ErrInvalidPattern, spec.Name, err)
		}
		cs.program = prg
	}

	if spec.Default != "" {
		v, ok := cs.resolveDefault(time.Now())
		if !ok {
			return nil, fmt.Errorf("%w: slot %q default %q is not a valid %s value", ErrInvalidPattern, spec.Name, spec.Default, spec.Type)
		}
		// Datetime defaults are relative and resolved per match.
		if spec.Type != SlotDateTime {
			cs.Default = v
		}
	}
	return cs, nil
}

// resolveDefault normalizes the slot default at now. The whole default must
// parse as the slot type and pass the constraint.
func (s *compiledSlot) resolveDefault(now time.Time) (string, bool) {
	toks := Tokenize(s.Default)
	for _, c := range s.candidates(toks, 0, now) {
		if c.n == len(toks) && s.accepts(c.value) {
			return c.value, true
		}
	}
	return "", false
}

var slotNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// accepts evaluates the slot constraint against a normalized value.
func (s *compiledSlot) accepts(value string) bool {
	if s.program == nil {
		return true
	}
	out, _, err := s.program.Eval(map[string]any{"value": value})
	if err != nil {
		return false
	}
	ok, isBool := out.Value().(bool)
	return isBool && ok
}

// candidates lists the ways this slot can consume tokens starting at pos,
// in preference order.
func (s *compiledSlot) candidates(tokens []string, pos int, now time.Time) []slotCandidate {
	if pos >= len(tokens) {
		return nil
	}
	var out []slotCandidate
	switch s.Type {
	case SlotText:
		// Shortest first: literals after the slot anchor its end. A lone
		// reference word is left to the resolver.
		for end := pos + 1; end <= len(tokens); end++ {
			if end == pos+1 && referenceWords[tokens[pos]] {
				continue
			}
			out = append(out, slotCandidate{n: end - pos, value: strings.Join(tokens[pos:end], " ")})
		}
	case SlotEnum:
		for _, v := range s.enumValues {
			if hasPrefix(tokens[pos:], v) {
				out = append(out, slotCandidate{n: len(v), value: strings.Join(v, " ")})
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].n > out[j].n })
	case SlotNumber:
		out = parseNumber(tokens, pos)
	case SlotDateTime:
		out = parseDateTime(tokens, pos, now)
	}
	return out
}

func hasPrefix(tokens, prefix []string) bool {
	if len(prefix) > len(tokens) {
		return false
	}
	for i, p := range prefix {
		if tokens[i] != p {
			return false
		}
	}
	return true
}

// ============================================================================
// Numbers
// ============================================================================

var numberWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15,
	"sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
}

var tensWords = map[string]int{
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

var decimalRe = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

func parseNumber(tokens []string, pos int) []slotCandidate {
	tok := tokens[pos]
	if decimalRe.MatchString(tok) {
		return []slotCandidate{{n: 1, value: canonicalNumber(tok)}}
	}
	if n, ok := numberWords[tok]; ok {
		return []slotCandidate{{n: 1, value: strconv.Itoa(n)}}
	}
	if tens, ok := tensWords[tok]; ok {
		var out []slotCandidate
		if pos+1 < len(tokens) {
			if unit, ok := numberWords[tokens[pos+1]]; ok && unit > 0 && unit < 10 {
				out = append(out, slotCandidate{n: 2, value: strconv.Itoa(tens + unit)})
			}
		}
		return append(out, slotCandidate{n: 1, value: strconv.Itoa(tens)})
	}
	return nil
}

func canonicalNumber(tok string) string {
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return tok
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ============================================================================
// Dates and times
// ============================================================================

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

var (
	clockRe = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?(am|pm)?$`)
	isoDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// parseDateTime reads a day expression optionally followed by a time of day,
// or a time of day alone. Candidates with a time come first.
func parseDateTime(tokens []string, pos int, now time.Time) []slotCandidate {
	if t, err := time.Parse(time.RFC3339, strings.ToUpper(tokens[pos])); err == nil {
		return []slotCandidate{{n: 1, value: t.Format(time.RFC3339)}}
	}

	day, n, defaultHour, ok := parseDay(tokens, pos, now)
	if !ok {
		// Time only means today.
		h, m, tn, ok := parseTimeOfDay(tokens, pos)
		if !ok || tokens[pos] != "at" {
			return nil
		}
		d := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
		return []slotCandidate{{n: tn, value: d.Format(time.RFC3339)}}
	}

	var out []slotCandidate
	if h, m, tn, ok := parseTimeOfDay(tokens, pos+n); ok {
		d := time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, now.Location())
		out = append(out, slotCandidate{n: n + tn, value: d.Format(time.RFC3339)})
	}
	d := time.Date(day.Year(), day.Month(), day.Day(), defaultHour, 0, 0, 0, now.Location())
	return append(out, slotCandidate{n: n, value: d.Format(time.RFC3339)})
}

func parseDay(tokens []string, pos int, now time.Time) (day time.Time, n, defaultHour int, ok bool) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	tok := tokens[pos]
	switch tok {
	case "today":
		return today, 1, 0, true
	case "tonight":
		return today, 1, 20, true
	case "tomorrow":
		return today.AddDate(0, 0, 1), 1, 0, true
	case "next", "this":
		if pos+1 < len(tokens) {
			if wd, ok := weekdays[tokens[pos+1]]; ok {
				ahead := (int(wd) - int(today.Weekday()) + 7) % 7
				if tok == "next" && ahead == 0 {
					ahead = 7
				}
				return today.AddDate(0, 0, ahead), 2, 0, true
			}
		}
	}
	if wd, ok := weekdays[tok]; ok {
		ahead := (int(wd) - int(today.Weekday()) + 7) % 7
		return today.AddDate(0, 0, ahead), 1, 0, true
	}
	if isoDate.MatchString(tok) {
		if t, err := time.ParseInLocation("2006-01-02", tok, now.Location()); err == nil {
			return t, 1, 0, true
		}
	}
	return time.Time{}, 0, 0, false
}

// parseTimeOfDay reads "[at] 5pm", "[at] 5:30 pm", "[at] 17:30", "[at] noon".
func parseTimeOfDay(tokens []string, pos int) (hour, minute, n int, ok bool) {
	i := pos
	if i < len(tokens) && tokens[i] == "at" {
		i++
	}
	if i >= len(tokens) {
		return 0, 0, 0, false
	}
	switch tokens[i] {
	case "noon":
		return 12, 0, i + 1 - pos, true
	case "midnight":
		return 0, 0, i + 1 - pos, true
	}

	m := clockRe.FindStringSubmatch(tokens[i])
	if m == nil {
		return 0, 0, 0, false
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	suffix := m[3]
	i++
	if suffix == "" && i < len(tokens) && (tokens[i] == "am" || tokens[i] == "pm") {
		suffix = tokens[i]
		i++
	}
	// A bare number is only a time when introduced by "at" or written as hh:mm.
	if suffix == "" && m[2] == "" && tokens[pos] != "at" {
		return 0, 0, 0, false
	}
	switch suffix {
	case "am":
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 12 {
			hour += 12
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, 0, false
	}
	return hour, minute, i - pos, true
}
