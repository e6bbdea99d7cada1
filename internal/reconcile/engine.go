// Package reconcile resolves extracted address fields against a building
// directory.
//
// Resolution is hierarchical: the block label is matched against every block,
// the floor label only against the resolved block's floors, and the flat label
// only against the resolved floor's flats. A level that cannot be resolved
// stops the descent. Labels are compared by normalized key first; fuzzy
// methods (containment, edit distance, phonetic similarity) apply only to
// non-numeric keys, so a spoken floor number is never silently corrected to a
// neighbouring floor.
//
// The engine never fails. Everything it could not resolve is reported as an
// [Issue] and reflected in the overall confidence.
package reconcile

import (
	"math"
	"sync/atomic"

	"github.com/MrWong99/visitorparse/internal/category"
	"github.com/MrWong99/visitorparse/internal/directory"
	"github.com/MrWong99/visitorparse/internal/extract"
)

// IssueKind classifies why a field did not resolve.
type IssueKind string

const (
	// IssueMissing means the extractor produced no value for the field.
	IssueMissing IssueKind = "missing"
	// IssueNotFound means no node in scope matched the value.
	IssueNotFound IssueKind = "not_found"
	// IssueNotInBlock means the floor exists, but only under another block.
	IssueNotInBlock IssueKind = "not_in_block"
	// IssueNotOnFloor means the flat exists, but only on another floor.
	IssueNotOnFloor IssueKind = "not_on_floor"
	// IssueAmbiguous means several nodes matched equally well.
	IssueAmbiguous IssueKind = "ambiguous"
	// IssueSkipped means the parent level did not resolve.
	IssueSkipped IssueKind = "skipped"
)

// Issue describes one unresolved field.
type Issue struct {
	Field          string    `json:"field"`
	ExtractedValue string    `json:"extracted_value"`
	Kind           IssueKind `json:"issue"`
	Suggestions    []string  `json:"suggestions"`
}

// FieldMatch records how one field resolved. The zero value means
// unresolved.
type FieldMatch struct {
	Value  string  `json:"value"`
	Score  float64 `json:"score"`
	Method string  `json:"method"`
}

// Result is the outcome of reconciling one candidate. BlockID, FloorID and
// FlatID are set top-down only: FlatID implies FloorID implies BlockID.
type Result struct {
	BlockID *int
	FloorID *int
	FlatID  *int

	Category    category.Category
	SubCategory *category.SubCategory

	Block FieldMatch
	Floor FieldMatch
	Flat  FieldMatch

	// FlatRequired is false when the resolved floor has no flats at all.
	FlatRequired bool

	Confidence float64
	Issues     []Issue
	Degraded   bool
}

// Engine reconciles candidates under a swappable [Policy]. It is safe for
// concurrent use; [Engine.SetPolicy] takes effect for the next call.
type Engine struct {
	policy atomic.Pointer[Policy]
}

// New creates an [Engine] using p.
func New(p Policy) (*Engine, error) {
	e := &Engine{}
	if err := e.SetPolicy(p); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPolicy replaces the active policy after validating it.
func (e *Engine) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.policy.Store(&p)
	return nil
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	return *e.policy.Load()
}

// Reconcile matches c against dir.
func (e *Engine) Reconcile(c extract.Candidate, dir *directory.Directory) Result {
	p := e.Policy()
	r := &reconciliation{
		m:   matcher{p: p},
		p:   p,
		dir: dir,
		res: Result{FlatRequired: true, Degraded: c.Degraded},
	}

	block := r.block(extract.Value(c.Block))
	floor := r.floor(block, extract.Value(c.Floor))
	r.flat(block, floor, extract.Value(c.Flat))

	catHint, subHint := extract.Value(c.Category), extract.Value(c.SubCategory)
	r.res.Category, r.res.SubCategory = category.Resolve(catHint, subHint, c.Text)

	r.res.Confidence = r.confidence(floor, c)
	return r.res
}

// reconciliation carries the state of one Reconcile call.
type reconciliation struct {
	m   matcher
	p   Policy
	dir *directory.Directory
	res Result
}

func (r *reconciliation) issue(lvl Level, value string, kind IssueKind, suggestions []string) {
	if suggestions == nil {
		suggestions = []string{}
	}
	r.res.Issues = append(r.res.Issues, Issue{
		Field:          lvl.String(),
		ExtractedValue: value,
		Kind:           kind,
		Suggestions:    suggestions,
	})
}

func (r *reconciliation) block(value string) *directory.Block {
	scope := make([]directory.Node, 0, len(r.dir.Blocks))
	for _, b := range r.dir.Blocks {
		scope = append(scope, b.Node)
	}
	if value == "" {
		r.issue(LevelBlock, value, IssueMissing, suggest("", LevelBlock, scope, r.p.MaxSuggestions))
		return nil
	}

	res := r.m.resolve(value, LevelBlock, scope)
	switch res.outcome {
	case resolved:
		blk, _ := r.dir.Block(res.node.ID)
		r.res.BlockID = ptr(res.node.ID)
		r.res.Block = FieldMatch{Value: res.node.Display(), Score: res.score, Method: res.method}
		return blk
	case ambiguous:
		r.issue(LevelBlock, value, IssueAmbiguous, names(res.tied, r.p.MaxSuggestions))
	default:
		r.issue(LevelBlock, value, IssueNotFound, suggest(value, LevelBlock, scope, r.p.MaxSuggestions))
	}
	return nil
}

func (r *reconciliation) floor(block *directory.Block, value string) *directory.Floor {
	if block == nil {
		if value != "" {
			r.issue(LevelFloor, value, IssueSkipped, nil)
		}
		return nil
	}

	scope := make([]directory.Node, 0, len(block.Floors))
	for _, f := range block.Floors {
		scope = append(scope, f.Node)
	}
	if value == "" {
		r.issue(LevelFloor, value, IssueMissing, suggest("", LevelFloor, scope, r.p.MaxSuggestions))
		return nil
	}

	res := r.m.resolve(value, LevelFloor, scope)
	switch res.outcome {
	case resolved:
		fl, _ := block.Floor(res.node.ID)
		r.res.FloorID = ptr(res.node.ID)
		r.res.Floor = FieldMatch{Value: res.node.Display(), Score: res.score, Method: res.method}
		return fl
	case ambiguous:
		r.issue(LevelFloor, value, IssueAmbiguous, names(res.tied, r.p.MaxSuggestions))
		return nil
	}

	kind := IssueNotFound
	for _, other := range r.dir.Blocks {
		if other.ID == block.ID {
			continue
		}
		var elsewhere []directory.Node
		for _, f := range other.Floors {
			elsewhere = append(elsewhere, f.Node)
		}
		if r.m.resolve(value, LevelFloor, elsewhere).outcome == resolved {
			kind = IssueNotInBlock
			break
		}
	}
	r.issue(LevelFloor, value, kind, suggest(value, LevelFloor, scope, r.p.MaxSuggestions))
	return nil
}

func (r *reconciliation) flat(block *directory.Block, floor *directory.Floor, value string) {
	if floor == nil {
		if value != "" {
			r.issue(LevelFlat, value, IssueSkipped, nil)
		}
		return
	}
	if len(floor.Flats) == 0 {
		r.res.FlatRequired = false
		if value != "" {
			r.issue(LevelFlat, value, IssueNotFound, nil)
		}
		return
	}

	scope := make([]directory.Node, 0, len(floor.Flats))
	for _, u := range floor.Flats {
		scope = append(scope, u.Node)
	}
	if value == "" {
		r.issue(LevelFlat, value, IssueMissing, suggest("", LevelFlat, scope, r.p.MaxSuggestions))
		return
	}

	res := r.m.resolve(value, LevelFlat, scope)
	switch res.outcome {
	case resolved:
		r.res.FlatID = ptr(res.node.ID)
		r.res.Flat = FieldMatch{Value: res.node.Display(), Score: res.score, Method: res.method}
		return
	case ambiguous:
		r.issue(LevelFlat, value, IssueAmbiguous, names(res.tied, r.p.MaxSuggestions))
		return
	}

	kind := IssueNotFound
	for _, other := range block.Floors {
		if other.ID == floor.ID {
			continue
		}
		var elsewhere []directory.Node
		for _, u := range other.Flats {
			elsewhere = append(elsewhere, u.Node)
		}
		if r.m.resolve(value, LevelFlat, elsewhere).outcome == resolved {
			kind = IssueNotOnFloor
			break
		}
	}
	r.issue(LevelFlat, value, kind, suggest(value, LevelFlat, scope, r.p.MaxSuggestions))
}

// confidence combines the field scores under the policy weights. A floor
// without flats credits the flat weight in full.
func (r *reconciliation) confidence(floor *directory.Floor, c extract.Candidate) float64 {
	w := r.p.Weights
	total := w.Block*r.res.Block.Score + w.Floor*r.res.Floor.Score
	switch {
	case r.res.FlatRequired:
		total += w.Flat * r.res.Flat.Score
	case floor != nil:
		total += w.Flat
	}
	if extract.Value(c.VisitorName) != "" {
		total += w.VisitorName
	}
	if extract.Value(c.IDCardPrefix) != "" {
		total += w.IDCardPrefix
	}

	conf := total / w.sum()
	if c.LowConfidence || c.Degraded {
		conf *= r.p.LowConfidencePenalty
	}
	conf = math.Max(0, math.Min(1, conf))
	return math.Round(conf*1000) / 1000
}

func names(nodes []directory.Node, limit int) []string {
	out := make([]string, 0, min(limit, len(nodes)))
	for _, n := range nodes {
		if len(out) == limit {
			break
		}
		out = append(out, n.Display())
	}
	return out
}

func ptr[T any](v T) *T { return &v }
