// Package registration composes the outward visitor registration record and
// runs the parse pipeline end to end.
package registration

import (
	"github.com/MrWong99/visitorparse/internal/errs"
	"github.com/MrWong99/visitorparse/internal/extract"
	"github.com/MrWong99/visitorparse/internal/reconcile"
)

// DefaultSuccessThreshold is the minimum confidence of a success response.
const DefaultSuccessThreshold = 0.6

// Status is the outcome class of a parse.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// Data is the registration record. IDs refer to the building directory;
// SubCategory carries the Chinese brand name.
type Data struct {
	BlockID      *int    `json:"block_id"`
	FloorID      *int    `json:"floor_id"`
	FlatID       *int    `json:"flat_id"`
	VisitorName  *string `json:"visitor_name"`
	IDCardPrefix *string `json:"id_card_prefix"`
	MainCategory int     `json:"main_category"`
	SubCategory  *string `json:"sub_category"`
}

// Response is the body returned for a parse request. Success and partial
// responses carry Data and Confidence; error responses carry Kind and
// Message.
type Response struct {
	Status     Status            `json:"status"`
	Data       *Data             `json:"data,omitempty"`
	Confidence *float64          `json:"confidence,omitempty"`
	Issues     []reconcile.Issue `json:"issues,omitempty"`
	Degraded   bool              `json:"degraded,omitempty"`
	Kind       errs.Kind         `json:"kind,omitempty"`
	Message    string            `json:"message,omitempty"`
	Details    map[string]any    `json:"details,omitempty"`
}

// Compose classifies r using [DefaultSuccessThreshold].
func Compose(r reconcile.Result, c extract.Candidate) Response {
	return compose(r, c, DefaultSuccessThreshold)
}

func compose(r reconcile.Result, c extract.Candidate, threshold float64) Response {
	conf := r.Confidence
	resp := Response{
		Status:     StatusPartial,
		Confidence: &conf,
		Issues:     r.Issues,
		Degraded:   r.Degraded,
		Data: &Data{
			BlockID:      r.BlockID,
			FloorID:      r.FloorID,
			FlatID:       r.FlatID,
			VisitorName:  trimmed(c.VisitorName),
			IDCardPrefix: trimmed(c.IDCardPrefix),
			MainCategory: int(r.Category),
		},
	}
	if r.SubCategory != nil {
		name := r.SubCategory.NameChi()
		resp.Data.SubCategory = &name
	}

	located := r.BlockID != nil && r.FloorID != nil && (r.FlatID != nil || !r.FlatRequired)
	if located && conf >= threshold {
		resp.Status = StatusSuccess
	}
	return resp
}

// ComposeError builds the error response for err. The message never
// contains the underlying error text.
func ComposeError(err error) Response {
	k := errs.KindOf(err)
	if k == "" {
		k = errs.KindInternal
	}
	return Response{Status: StatusError, Kind: k, Message: k.Message()}
}

func trimmed(p *string) *string {
	if v := extract.Value(p); v != "" {
		return &v
	}
	return nil
}
