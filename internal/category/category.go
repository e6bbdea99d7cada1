// Package category holds the fixed two-level visit taxonomy and the lexical
// rules that map free-text hints onto it.
//
// The taxonomy is static: a visit is either [Visit] or [Delivery], and only a
// delivery may carry a [SubCategory] naming the delivery platform. The
// classification functions are deterministic and total: every input, including
// no input at all, maps to exactly one main category.
package category

import (
	"strconv"
	"strings"

	"golang.org/x/text/width"
)

// Category is a main visit category. The numeric values are the IDs the
// building directory service uses for its visit categories.
type Category int

const (
	// Visit is a social or business visit (探訪). It has no sub-categories.
	Visit Category = 19

	// Delivery is a food or parcel delivery (外賣).
	Delivery Category = 20
)

// String returns the English name of c.
func (c Category) String() string {
	switch c {
	case Visit:
		return "Visit"
	case Delivery:
		return "Delivery"
	default:
		return "Unknown"
	}
}

// NameChi returns the Chinese name of c.
func (c Category) NameChi() string {
	switch c {
	case Visit:
		return "探訪"
	case Delivery:
		return "外賣"
	default:
		return ""
	}
}

// IsValid reports whether c is one of the two known categories.
func (c Category) IsValid() bool {
	return c == Visit || c == Delivery
}

// SubCategory names a delivery platform.
type SubCategory string

const (
	FoodPanda SubCategory = "FoodPanda"
	Keeta     SubCategory = "Keeta"
)

// NameChi returns the Chinese brand name of s.
func (s SubCategory) NameChi() string {
	switch s {
	case FoodPanda:
		return "熊猫"
	case Keeta:
		return "美團"
	default:
		return ""
	}
}

// deliveryKeywords mark a hint as a delivery. Brand keywords also imply
// delivery and are checked separately.
var deliveryKeywords = []string{
	"外賣", "外卖", "送餐", "送外賣", "送外卖", "送貨", "送货",
	"delivery", "deliver", "takeaway", "take away", "take-away",
}

// visitKeywords mark a hint as an explicit visit.
var visitKeywords = []string{
	"探訪", "探访", "拜訪", "拜访", "探朋友", "visit",
}

// brandKeywords maps platform keywords to their sub-category. Traditional and
// simplified forms are both listed because transcripts mix them freely.
var brandKeywords = []struct {
	keyword string
	sub     SubCategory
}{
	{"foodpanda", FoodPanda},
	{"food panda", FoodPanda},
	{"熊猫", FoodPanda},
	{"熊貓", FoodPanda},
	{"panda", FoodPanda},
	{"keeta", Keeta},
	{"meituan", Keeta},
	{"美團", Keeta},
	{"美团", Keeta},
}

// fold lower-cases s and maps full-width Latin to half-width so that
// "ＦｏｏｄＰａｎｄａ" and "foodpanda" compare equal.
func fold(s string) string {
	return strings.ToLower(width.Fold.String(s))
}

// Classify maps hints to a main category. Any hint containing a delivery or
// brand keyword, or naming the Delivery ID, yields [Delivery]; everything
// else, including an empty hint list, yields [Visit].
func Classify(hints ...string) Category {
	for _, h := range hints {
		f := strings.TrimSpace(fold(h))
		if f == "" {
			continue
		}
		if id, err := strconv.Atoi(f); err == nil {
			if Category(id) == Delivery {
				return Delivery
			}
			continue
		}
		for _, kw := range deliveryKeywords {
			if strings.Contains(f, kw) {
				return Delivery
			}
		}
		if _, ok := brand(f); ok {
			return Delivery
		}
	}
	return Visit
}

// ClassifySub maps hints to a delivery platform. It returns nil when c is not
// [Delivery] or when no hint names a known platform; an unknown platform is
// never defaulted. Hints are consulted in order and the first hint naming a
// platform wins.
func ClassifySub(c Category, hints ...string) *SubCategory {
	if c != Delivery {
		return nil
	}
	for _, h := range hints {
		if sub, ok := brand(fold(h)); ok {
			return &sub
		}
	}
	return nil
}

// Resolve picks the category and platform of a registration. The category
// and sub-category hints decide when either names a category; text is
// scanned only when neither does. A delivery with no platform in its hints
// takes the first platform mentioned in text.
func Resolve(catHint, subHint, text string) (Category, *SubCategory) {
	c, ok := recognise(catHint)
	if !ok {
		c, ok = recognise(subHint)
	}
	if !ok {
		c = Classify(text)
	}
	sub := ClassifySub(c, subHint, catHint)
	if sub == nil {
		sub = ClassifySub(c, text)
	}
	if sub != nil && !Allows(c, *sub) {
		return c, nil
	}
	return c, sub
}

// recognise reports the category a single hint names, if any. Delivery
// wording wins over visit wording within one hint.
func recognise(hint string) (Category, bool) {
	f := strings.TrimSpace(fold(hint))
	if f == "" {
		return 0, false
	}
	if id, err := strconv.Atoi(f); err == nil {
		c := Category(id)
		return c, c.IsValid()
	}
	if Classify(f) == Delivery {
		return Delivery, true
	}
	for _, kw := range visitKeywords {
		if strings.Contains(f, kw) {
			return Visit, true
		}
	}
	return 0, false
}

// brand returns the platform whose keyword occurs earliest in folded.
func brand(folded string) (SubCategory, bool) {
	best, bestIdx := SubCategory(""), -1
	for _, bk := range brandKeywords {
		idx := strings.Index(folded, bk.keyword)
		if idx < 0 {
			continue
		}
		if bestIdx < 0 || idx < bestIdx {
			best, bestIdx = bk.sub, idx
		}
	}
	return best, bestIdx >= 0
}

// ── Taxonomy listing ─────────────────────────────────────────────────────────

// SubEntry describes one sub-category in the published taxonomy.
type SubEntry struct {
	NameChi string `json:"name_chi"`
	NameEng string `json:"name_eng"`
}

// MainEntry describes one main category in the published taxonomy.
type MainEntry struct {
	ID               int        `json:"id"`
	NameChi          string     `json:"name_chi"`
	NameEng          string     `json:"name_eng"`
	HasSubcategories bool       `json:"has_subcategories"`
	Subcategories    []SubEntry `json:"subcategories"`
}

// Taxonomy is the full category listing.
type Taxonomy struct {
	MainCategories []MainEntry `json:"main_categories"`
}

// subcategories lists the sub-categories of each main category.
var subcategories = map[Category][]SubCategory{
	Visit:    nil,
	Delivery: {FoodPanda, Keeta},
}

// All returns the static taxonomy in display order.
func All() Taxonomy {
	var t Taxonomy
	for _, c := range []Category{Visit, Delivery} {
		subs := make([]SubEntry, 0, len(subcategories[c]))
		for _, s := range subcategories[c] {
			subs = append(subs, SubEntry{NameChi: s.NameChi(), NameEng: string(s)})
		}
		t.MainCategories = append(t.MainCategories, MainEntry{
			ID:               int(c),
			NameChi:          c.NameChi(),
			NameEng:          c.String(),
			HasSubcategories: len(subs) > 0,
			Subcategories:    subs,
		})
	}
	return t
}

// Allows reports whether sub is a valid sub-category of c.
func Allows(c Category, sub SubCategory) bool {
	for _, s := range subcategories[c] {
		if s == sub {
			return true
		}
	}
	return false
}
