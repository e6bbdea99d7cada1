package extract

import (
	"fmt"
	"strings"

	"github.com/MrWong99/visitorparse/internal/category"
	"github.com/MrWong99/visitorparse/internal/directory"
)

// detailLevel controls how much of the building is listed in the prompt.
type detailLevel int

const (
	detailFlats detailLevel = iota
	detailFloors
	detailBlocks
)

func (d detailLevel) String() string {
	switch d {
	case detailFlats:
		return "flats"
	case detailFloors:
		return "floors"
	default:
		return "blocks"
	}
}

// systemPromptTemplate is completed with the category taxonomy and the
// building structure at call time.
const systemPromptTemplate = `You extract visitor registration details from a short, voice-transcribed sentence spoken at a building entrance. The sentence may mix Cantonese, Mandarin and English and may contain speech recognition errors.

Extract these fields:
- block: the block, tower or phase being visited
- floor: the floor being visited
- flat: the flat, unit or room being visited
- visitor_name: the visitor's name or honorific, e.g. 李先生
- id_card_prefix: the leading characters of the visitor's identity card, e.g. A123
- category: the main visit category
- sub_category: the delivery platform, only when category is delivery

Rules:
- Prefer names exactly as they appear in the building structure below.
- Use null for anything that is not mentioned. Never guess a floor or flat number.
- Copy numbers as spoken; do not add or drop digits.

Categories:
%s
Building structure:
%s
Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "block": <string or null>,
  "floor": <string or null>,
  "flat": <string or null>,
  "visitor_name": <string or null>,
  "id_card_prefix": <string or null>,
  "category": <string or null>,
  "sub_category": <string or null>,
  "confidence": <0.0-1.0>
}`

func systemPrompt(dir *directory.Directory, detail detailLevel) string {
	return fmt.Sprintf(systemPromptTemplate, renderTaxonomy(category.All()), renderBuilding(dir, detail))
}

func userPrompt(text string) string {
	return "Sentence: " + text
}

func renderTaxonomy(t category.Taxonomy) string {
	var b strings.Builder
	for _, m := range t.MainCategories {
		fmt.Fprintf(&b, "- %s / %s\n", m.NameEng, m.NameChi)
		for _, s := range m.Subcategories {
			fmt.Fprintf(&b, "  - %s / %s\n", s.NameEng, s.NameChi)
		}
	}
	return b.String()
}

// renderBuilding lists blocks with their floors and, at detailFlats, the
// flats of every floor. A level dropped from the tree is replaced by its
// deduplicated vocabulary, which stays short because buildings reuse the same
// flat and floor names throughout.
func renderBuilding(dir *directory.Directory, detail detailLevel) string {
	if dir == nil || len(dir.Blocks) == 0 {
		return "(unknown)\n"
	}
	var b strings.Builder
	for _, blk := range dir.Blocks {
		fmt.Fprintf(&b, "- %s\n", label(blk.Node))
		if detail == detailBlocks {
			continue
		}
		for _, fl := range blk.Floors {
			if detail == detailFloors || len(fl.Flats) == 0 {
				fmt.Fprintf(&b, "  - %s\n", label(fl.Node))
				continue
			}
			flats := make([]string, 0, len(fl.Flats))
			for _, f := range fl.Flats {
				flats = append(flats, label(f.Node))
			}
			fmt.Fprintf(&b, "  - %s: %s\n", label(fl.Node), strings.Join(flats, ", "))
		}
	}

	v := dir.Names()
	if detail == detailBlocks && len(v.Floors) > 0 {
		fmt.Fprintf(&b, "Floor names: %s\n", strings.Join(v.Floors, ", "))
	}
	if detail != detailFlats && len(v.Flats) > 0 {
		fmt.Fprintf(&b, "Flat names: %s\n", strings.Join(v.Flats, ", "))
	}
	return b.String()
}

func label(n directory.Node) string {
	return strings.Join(n.Labels(), " / ")
}
