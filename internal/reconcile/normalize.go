package reconcile

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// Level is a tier of the directory hierarchy. Each level tolerates its own
// designator words.
type Level int

const (
	LevelBlock Level = iota
	LevelFloor
	LevelFlat
)

// String returns the field name of l as used in issues.
func (l Level) String() string {
	switch l {
	case LevelBlock:
		return "block"
	case LevelFloor:
		return "floor"
	case LevelFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// designators are stripped from labels before comparison. Longer forms come
// first so "floor" is removed before "fl".
var designators = map[Level][]string{
	LevelBlock: {"block", "blk", "tower", "phase", "第", "座", "棟", "栋", "幢", "期"},
	LevelFloor: {"floor", "/f", "fl", "第", "樓", "楼", "層", "层"},
	LevelFlat:  {"flat", "unit", "room", "rm", "室", "號", "号"},
}

var (
	ordinalSuffix = regexp.MustCompile(`(\d+)(st|nd|rd|th)`)
	floorSuffixF  = regexp.MustCompile(`(\d)f$`)
	leadingZeros  = regexp.MustCompile(`(^|\D)0+(\d)`)

	// A phase followed by a block keeps the two numbers apart: "1期2座" and
	// "phase 1 block 2" become "1-2", never "12".
	phaseThenBlock = regexp.MustCompile(`(\d+)期(.)`)
	phasePrefix    = regexp.MustCompile(`phase(\d+)(\D)`)
)

// groundAliases fold the usual names of the ground floor onto one key.
var groundAliases = map[string]string{
	"gf":     "g",
	"ground": "g",
	"地下":     "g",
	"地面":     "g",
}

// Normalize reduces a block, floor or flat label to its comparison key:
// width-folded, lower-cased, separators removed, Chinese numerals turned into
// digits, level designators stripped and leading zeros dropped.
//
// "2座", "Block 2" and "第二座" all normalize to "2"; "1期2座" to "1-2"; "15樓", "15/F", "15th
// floor" and "十五樓" to "15"; "A室" and "Flat A" to "a". A label made only of
// designators keeps its folded form so it still has a key.
func Normalize(label string, lvl Level) string {
	folded := strings.ToLower(width.Fold.String(strings.TrimSpace(label)))
	folded = strings.Map(dropSeparator, folded)
	if folded == "" {
		return ""
	}

	key := chineseNumerals(folded)
	if lvl == LevelBlock {
		key = phaseThenBlock.ReplaceAllString(key, "$1-$2")
		key = phasePrefix.ReplaceAllString(key, "$1-$2")
	}
	for _, d := range designators[lvl] {
		key = strings.ReplaceAll(key, d, "")
	}
	if lvl == LevelFloor {
		key = ordinalSuffix.ReplaceAllString(key, "$1")
		key = floorSuffixF.ReplaceAllString(key, "$1")
		if alias, ok := groundAliases[key]; ok {
			key = alias
		}
	}
	key = leadingZeros.ReplaceAllString(key, "$1$2")

	if key == "" {
		return folded
	}
	return key
}

// dropSeparator removes whitespace and punctuation that carries no meaning
// in a label. '/' is kept because "/f" is a floor designator.
func dropSeparator(r rune) rune {
	switch {
	case unicode.IsSpace(r):
		return -1
	case r == '/':
		return r
	case unicode.IsPunct(r), unicode.IsSymbol(r):
		return -1
	default:
		return r
	}
}

var numeralDigits = map[rune]int{
	'零': 0, '〇': 0, '一': 1, '二': 2, '兩': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

var numeralUnits = map[rune]int{'十': 10, '百': 100}

func isNumeral(r rune) bool {
	_, d := numeralDigits[r]
	_, u := numeralUnits[r]
	return d || u
}

// chineseNumerals replaces every run of Chinese numerals in s with its Arabic
// value: "十五" → "15", "二十一" → "21", "一五" → "15".
func chineseNumerals(s string) string {
	if !strings.ContainsFunc(s, isNumeral) {
		return s
	}
	var (
		b   strings.Builder
		run []rune
	)
	flush := func() {
		if len(run) > 0 {
			b.WriteString(strconv.Itoa(numeralValue(run)))
			run = run[:0]
		}
	}
	for _, r := range s {
		if isNumeral(r) {
			run = append(run, r)
			continue
		}
		flush()
		b.WriteRune(r)
	}
	flush()
	return b.String()
}

func numeralValue(run []rune) int {
	total, num := 0, 0
	for _, r := range run {
		if unit, ok := numeralUnits[r]; ok {
			if num == 0 {
				num = 1
			}
			total += num * unit
			num = 0
			continue
		}
		num = num*10 + numeralDigits[r]
	}
	return total + num
}

// isNumeric reports whether key consists only of ASCII digits.
func isNumeric(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isAlphabetic reports whether key consists only of ASCII letters.
func isAlphabetic(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
