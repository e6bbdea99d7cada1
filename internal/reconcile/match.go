package reconcile

import (
	"cmp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/visitorparse/internal/directory"
)

// Match methods reported in [FieldMatch.Method].
const (
	MethodExact     = "exact"
	MethodSubstring = "substring"
	MethodEdit      = "edit_distance"
	MethodPhonetic  = "phonetic"
	MethodFuzzy     = "fuzzy"
)

// maxFuzzyScore caps every non-exact score so an exact match always ranks
// strictly higher.
const maxFuzzyScore = 0.95

// tieEpsilon is the score difference below which two nodes count as tied.
const tieEpsilon = 1e-9

type outcome int

const (
	unresolved outcome = iota
	resolved
	ambiguous
)

// resolution is the result of matching one extracted value against one
// scope of the directory.
type resolution struct {
	outcome outcome
	node    directory.Node
	score   float64
	method  string
	tied    []directory.Node
}

// matcher scores extracted labels against directory nodes under a policy.
type matcher struct {
	p Policy
}

// resolve finds the node in scope whose label best matches value.
func (m matcher) resolve(value string, lvl Level, scope []directory.Node) resolution {
	key := Normalize(value, lvl)
	if key == "" || len(scope) == 0 {
		return resolution{}
	}

	type scored struct {
		node   directory.Node
		score  float64
		method string
	}
	var ranked []scored
	for _, n := range scope {
		best := scored{node: n}
		for _, label := range n.Labels() {
			s, method := m.score(key, Normalize(label, lvl))
			if s > best.score {
				best.score, best.method = s, method
			}
		}
		if best.score >= m.p.MatchThreshold {
			ranked = append(ranked, best)
		}
	}
	if len(ranked) == 0 {
		return resolution{}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int { return cmp.Compare(b.score, a.score) })

	top := ranked[0]
	var tied []directory.Node
	for _, r := range ranked[1:] {
		if top.score-r.score < tieEpsilon && r.node.ID != top.node.ID {
			tied = append(tied, r.node)
		}
	}
	if len(tied) > 0 {
		return resolution{
			outcome: ambiguous,
			score:   top.score,
			tied:    append([]directory.Node{top.node}, tied...),
		}
	}
	return resolution{outcome: resolved, node: top.node, score: top.score, method: top.method}
}

// score compares two normalized keys. All-digit keys only ever match
// exactly: "15" never resolves to "16" or "150".
func (m matcher) score(key, label string) (float64, string) {
	if key == label {
		return 1, MethodExact
	}
	if isNumeric(key) || isNumeric(label) {
		return 0, ""
	}

	var (
		best   float64
		method string
	)
	if s := m.substringScore(key, label); s > best {
		best, method = s, MethodSubstring
	}
	if s := m.editScore(key, label); s > best {
		best, method = s, MethodEdit
	}
	if s, ph := m.phoneticScore(key, label); s > best {
		best, method = s, MethodFuzzy
		if ph {
			method = MethodPhonetic
		}
	}
	return min(best, maxFuzzyScore), method
}

// substringScore rewards one key containing the other, scaled by how much of
// the longer key the shorter one covers. Keys shorter than two runes never
// match by containment.
func (m matcher) substringScore(a, b string) float64 {
	short, long := a, b
	if utf8.RuneCountInString(short) > utf8.RuneCountInString(long) {
		short, long = long, short
	}
	ns, nl := utf8.RuneCountInString(short), utf8.RuneCountInString(long)
	if ns < 2 || !strings.Contains(long, short) {
		return 0
	}
	return 0.6 + 0.35*float64(ns)/float64(nl)
}

// editScore is 1 - d/L for Levenshtein distance d over the longer length L,
// provided d/L stays within the policy's MaxEditRatio.
func (m matcher) editScore(a, b string) float64 {
	l := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if l == 0 {
		return 0
	}
	ratio := float64(matchr.Levenshtein(a, b)) / float64(l)
	if ratio > m.p.MaxEditRatio {
		return 0
	}
	return 1 - ratio
}

// phoneticScore applies Double Metaphone filtering plus Jaro-Winkler ranking
// to romanized names. A phonetic code overlap lowers the required similarity
// from FuzzyThreshold to PhoneticThreshold.
func (m matcher) phoneticScore(a, b string) (float64, bool) {
	if !isAlphabetic(a) || !isAlphabetic(b) || len(a) < 3 || len(b) < 3 {
		return 0, false
	}
	jw := matchr.JaroWinkler(a, b, false)
	if codesOverlap(metaphone(a), metaphone(b)) {
		if jw >= m.p.PhoneticThreshold {
			return jw, true
		}
		return 0, false
	}
	if jw >= m.p.FuzzyThreshold {
		return jw, false
	}
	return 0, false
}

func metaphone(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s2 := matchr.DoubleMetaphone(s)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s2 != "" {
		codes[s2] = struct{}{}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// suggest ranks the display names of scope by loose similarity to value and
// returns at most limit of them. With an empty value the scope's own order
// is kept.
func suggest(value string, lvl Level, scope []directory.Node, limit int) []string {
	if limit <= 0 || len(scope) == 0 {
		return nil
	}
	type ranked struct {
		name  string
		score float64
	}
	key := Normalize(value, lvl)
	seen := make(map[string]struct{}, len(scope))
	var list []ranked
	for _, n := range scope {
		name := n.Display()
		if _, dup := seen[name]; dup || name == "" {
			continue
		}
		seen[name] = struct{}{}
		var s float64
		if key != "" {
			for _, label := range n.Labels() {
				s = max(s, matchr.JaroWinkler(key, Normalize(label, lvl), false))
			}
		}
		list = append(list, ranked{name: name, score: s})
	}
	slices.SortStableFunc(list, func(a, b ranked) int { return cmp.Compare(b.score, a.score) })

	out := make([]string, 0, min(limit, len(list)))
	for _, r := range list[:min(limit, len(list))] {
		out = append(out, r.name)
	}
	return out
}
