// Package directory models a building's block → floor → flat hierarchy and
// caches it per building.
//
// The remote service returns three flat lists linked by parent IDs. [Build]
// turns them into a strict tree: every floor belongs to exactly one block and
// every flat to exactly one floor; entries whose parent is unknown are dropped.
// A built [Directory] is never mutated, so it can be shared freely between
// goroutines.
package directory

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/visitorparse/internal/errs"
)

// Node carries the naming shared by blocks, floors and flats.
type Node struct {
	ID      int    `json:"id"`
	NameChi string `json:"name_chi"`
	NameEng string `json:"name_eng"`
	Seq     int    `json:"seq"`
}

// Labels returns the distinct non-empty names of n, Chinese first.
func (n Node) Labels() []string {
	switch {
	case n.NameChi == "" && n.NameEng == "":
		return nil
	case n.NameChi == "":
		return []string{n.NameEng}
	case n.NameEng == "" || n.NameEng == n.NameChi:
		return []string{n.NameChi}
	default:
		return []string{n.NameChi, n.NameEng}
	}
}

// Display returns the preferred label of n.
func (n Node) Display() string {
	if n.NameChi != "" {
		return n.NameChi
	}
	return n.NameEng
}

// Flat is a single unit on a floor.
type Flat struct {
	Node
}

// Floor is a level within a block.
type Floor struct {
	Node
	Flats []Flat `json:"flats"`
}

// Block is a building wing or tower.
type Block struct {
	Node
	Floors []Floor `json:"floors"`
}

// Directory is the immutable structure of one building.
type Directory struct {
	BuildingID int       `json:"building_id"`
	Blocks     []Block   `json:"blocks"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Block returns the block with the given ID.
func (d *Directory) Block(id int) (*Block, bool) {
	for i := range d.Blocks {
		if d.Blocks[i].ID == id {
			return &d.Blocks[i], true
		}
	}
	return nil, false
}

// Floor returns the floor with the given ID inside block b.
func (b *Block) Floor(id int) (*Floor, bool) {
	for i := range b.Floors {
		if b.Floors[i].ID == id {
			return &b.Floors[i], true
		}
	}
	return nil, false
}

// Vocabulary is the set of names a building uses at each level, deduplicated
// and in directory order.
type Vocabulary struct {
	Blocks []string
	Floors []string
	Flats  []string
}

// Names returns the grounding vocabulary of d.
func (d *Directory) Names() Vocabulary {
	var (
		v    Vocabulary
		seen = make(map[string]struct{})
	)
	add := func(dst *[]string, level string, n Node) {
		for _, l := range n.Labels() {
			key := level + "\x00" + l
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			*dst = append(*dst, l)
		}
	}
	for _, b := range d.Blocks {
		add(&v.Blocks, "b", b.Node)
		for _, f := range b.Floors {
			add(&v.Floors, "f", f.Node)
			for _, u := range f.Flats {
				add(&v.Flats, "u", u.Node)
			}
		}
	}
	return v
}

// ── Remote payload ───────────────────────────────────────────────────────────

// RemoteNode is one entry of the remote service's block, floor or unit list.
// BlockID is set on floors and FloorID on units.
type RemoteNode struct {
	ID      int    `json:"Id"`
	BlockID int    `json:"BlockId,omitempty"`
	FloorID int    `json:"FloorId,omitempty"`
	NameChi string `json:"NameChi"`
	NameEng string `json:"NameEng"`
	Seq     int    `json:"Seq"`
}

func (r RemoteNode) node() Node {
	return Node{ID: r.ID, NameChi: r.NameChi, NameEng: r.NameEng, Seq: r.Seq}
}

// Payload is the building-setting document returned by the remote service.
type Payload struct {
	BlockList []RemoteNode `json:"BlockList"`
	FloorList []RemoteNode `json:"FloorList"`
	UnitList  []RemoteNode `json:"UnitList"`
}

// Build assembles p into a strict tree for buildingID. Floors and flats that
// reference an unknown parent are dropped and logged; duplicate IDs keep the
// first occurrence. Children are ordered by Seq, then ID.
//
// A payload without blocks yields [errs.ErrBuildingNotFound].
func Build(buildingID int, p Payload, fetchedAt time.Time) (*Directory, error) {
	if len(p.BlockList) == 0 {
		return nil, fmt.Errorf("directory: building %d has no blocks: %w", buildingID, errs.ErrBuildingNotFound)
	}

	blocks := make(map[int]*Block, len(p.BlockList))
	var blockOrder []int
	for _, rb := range p.BlockList {
		if _, dup := blocks[rb.ID]; dup {
			slog.Warn("directory: duplicate block dropped", "building_id", buildingID, "block_id", rb.ID)
			continue
		}
		blocks[rb.ID] = &Block{Node: rb.node()}
		blockOrder = append(blockOrder, rb.ID)
	}

	type floorRef struct {
		block int
		floor Floor
	}
	floors := make(map[int]*floorRef, len(p.FloorList))
	var floorOrder []int
	for _, rf := range p.FloorList {
		if _, ok := blocks[rf.BlockID]; !ok {
			slog.Warn("directory: orphan floor dropped",
				"building_id", buildingID, "floor_id", rf.ID, "block_id", rf.BlockID)
			continue
		}
		if _, dup := floors[rf.ID]; dup {
			slog.Warn("directory: duplicate floor dropped", "building_id", buildingID, "floor_id", rf.ID)
			continue
		}
		floors[rf.ID] = &floorRef{block: rf.BlockID, floor: Floor{Node: rf.node()}}
		floorOrder = append(floorOrder, rf.ID)
	}

	seenFlat := make(map[int]struct{}, len(p.UnitList))
	for _, ru := range p.UnitList {
		ref, ok := floors[ru.FloorID]
		if !ok {
			slog.Warn("directory: orphan flat dropped",
				"building_id", buildingID, "flat_id", ru.ID, "floor_id", ru.FloorID)
			continue
		}
		if _, dup := seenFlat[ru.ID]; dup {
			slog.Warn("directory: duplicate flat dropped", "building_id", buildingID, "flat_id", ru.ID)
			continue
		}
		seenFlat[ru.ID] = struct{}{}
		ref.floor.Flats = append(ref.floor.Flats, Flat{Node: ru.node()})
	}

	for _, id := range floorOrder {
		ref := floors[id]
		slices.SortStableFunc(ref.floor.Flats, func(a, b Flat) int { return compareNodes(a.Node, b.Node) })
		blk := blocks[ref.block]
		blk.Floors = append(blk.Floors, ref.floor)
	}

	dir := &Directory{BuildingID: buildingID, FetchedAt: fetchedAt}
	for _, id := range blockOrder {
		blk := blocks[id]
		slices.SortStableFunc(blk.Floors, func(a, b Floor) int { return compareNodes(a.Node, b.Node) })
		dir.Blocks = append(dir.Blocks, *blk)
	}
	slices.SortStableFunc(dir.Blocks, func(a, b Block) int { return compareNodes(a.Node, b.Node) })
	return dir, nil
}

func compareNodes(a, b Node) int {
	if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
