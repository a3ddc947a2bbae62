package index

import (
	"math"

	"github.com/zeusync/worldstore/internal/core/models"
)

const (
	// DefaultCellSize is the edge length of a grid cell.
	DefaultCellSize = 32.0
	// linearScanThreshold is the member count below which scans skip the grid.
	linearScanThreshold = 64
	// MaxCellsPerEntry bounds the cells one box is filed under. Larger boxes
	// are kept aside and tested exactly on every scan.
	MaxCellsPerEntry = 4096

	minCoord = math.MinInt32 + 1
	maxCoord = math.MaxInt32 - 1
)

// AABB is an axis aligned box with inclusive bounds.
type AABB struct {
	Min, Max models.Vec3
}

// IsPoint reports whether the box has no extent.
func (b AABB) IsPoint() bool {
	return b.Min == b.Max
}

// Contains reports whether p lies inside the closed box.
func (b AABB) Contains(p models.Vec3) bool {
	for i := range 3 {
		if p[i] < b.Min[i] || p[i] > b.Max[i] {
			return false
		}
	}
	return true
}

// DistanceSquared is the squared distance from p to the nearest point of b.
func (b AABB) DistanceSquared(p models.Vec3) float64 {
	var d float64
	for i := range 3 {
		switch {
		case p[i] < b.Min[i]:
			d += (b.Min[i] - p[i]) * (b.Min[i] - p[i])
		case p[i] > b.Max[i]:
			d += (p[i] - b.Max[i]) * (p[i] - b.Max[i])
		}
	}
	return d
}

// overlapsHalfOpen reports whether b intersects the query box [lo, hi).
func (b AABB) overlapsHalfOpen(lo, hi models.Vec3) bool {
	for i := range 3 {
		if b.Max[i] < lo[i] || b.Min[i] >= hi[i] {
			return false
		}
	}
	return true
}

// BoundsFunc derives the indexed box of an entity; ok is false when the
// entity should not be indexed.
type BoundsFunc func(e *models.Entity) (box AABB, ok bool)

// PositionBounds indexes the position component. With a size component the
// box is centered on the position horizontally and extends upward from it.
func PositionBounds(e *models.Entity) (AABB, bool) {
	if e == nil || e.Position == nil {
		return AABB{}, false
	}
	p := e.Position.V
	if e.Size == nil {
		return AABB{Min: p, Max: p}, true
	}
	s := e.Size.V
	return AABB{
		Min: models.Vec3{p[0] - s[0]/2, p[1], p[2] - s[2]/2},
		Max: models.Vec3{p[0] + s[0]/2, p[1] + s[1], p[2] + s[2]/2},
	}, true
}

// Cell is a grid coordinate.
type Cell struct {
	X, Y, Z int32
}

type spatialEntry struct {
	box   AABB
	cells []Cell
}

// SpatialIndex buckets entities into a uniform grid.
type SpatialIndex struct {
	cellSize float64
	bounds   BoundsFunc
	tracked  []models.ComponentID

	entries   map[models.EntityID]*spatialEntry
	cells     map[Cell]map[models.EntityID]struct{}
	oversized map[models.EntityID]struct{}
}

type SpatialOption func(*SpatialIndex)

// WithCellSize overrides DefaultCellSize.
func WithCellSize(size float64) SpatialOption {
	return func(s *SpatialIndex) {
		if size > 0 {
			s.cellSize = size
		}
	}
}

// WithBounds replaces PositionBounds. tracked lists the components the
// bounds depend on; updates touching none of them are skipped.
func WithBounds(fn BoundsFunc, tracked ...models.ComponentID) SpatialOption {
	return func(s *SpatialIndex) {
		s.bounds = fn
		s.tracked = tracked
	}
}

func NewSpatialIndex(opts ...SpatialOption) *SpatialIndex {
	s := &SpatialIndex{
		cellSize: DefaultCellSize,
		bounds:   PositionBounds,
		tracked:  []models.ComponentID{models.PositionID, models.SizeID},
		entries:   make(map[models.EntityID]*spatialEntry),
		cells:     make(map[Cell]map[models.EntityID]struct{}),
		oversized: make(map[models.EntityID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Index = (*SpatialIndex)(nil)

func (s *SpatialIndex) CellSize() float64 { return s.cellSize }

func (s *SpatialIndex) Update(e *models.Entity, c *models.Change) {
	if !relevant(c, s.tracked) {
		return
	}
	box, ok := s.bounds(e)
	if !ok {
		s.Delete(e.ID)
		return
	}
	if prev, ok := s.entries[e.ID]; ok {
		if prev.box == box {
			return
		}
		s.unlink(e.ID, prev)
	}
	cells, ok := s.memberCells(box)
	entry := &spatialEntry{box: box, cells: cells}
	s.entries[e.ID] = entry
	if !ok {
		s.oversized[e.ID] = struct{}{}
		return
	}
	for _, cell := range entry.cells {
		members, ok := s.cells[cell]
		if !ok {
			members = make(map[models.EntityID]struct{})
			s.cells[cell] = members
		}
		members[e.ID] = struct{}{}
	}
}

func (s *SpatialIndex) Delete(id models.EntityID) {
	if prev, ok := s.entries[id]; ok {
		s.unlink(id, prev)
		delete(s.entries, id)
	}
}

func (s *SpatialIndex) unlink(id models.EntityID, entry *spatialEntry) {
	delete(s.oversized, id)
	for _, cell := range entry.cells {
		members := s.cells[cell]
		delete(members, id)
		if len(members) == 0 {
			delete(s.cells, cell)
		}
	}
}

func (s *SpatialIndex) Clear() {
	clear(s.entries)
	clear(s.cells)
	clear(s.oversized)
}

func (s *SpatialIndex) Size() int {
	return len(s.entries)
}

// Keys returns the cells an entity is filed under. Oversized entities have
// none.
func (s *SpatialIndex) Keys(id models.EntityID) []Cell {
	if entry, ok := s.entries[id]; ok {
		return append([]Cell(nil), entry.cells...)
	}
	return nil
}

// Bounds returns the indexed box of an entity.
func (s *SpatialIndex) Bounds(id models.EntityID) (AABB, bool) {
	if entry, ok := s.entries[id]; ok {
		return entry.box, true
	}
	return AABB{}, false
}

// ScanOptions tune a single scan.
type ScanOptions struct {
	// Approximate skips the exact shape test. Results may then include
	// members of any intersected cell, at most sqrt(3)*cellSize beyond the
	// queried shape.
	Approximate bool
	// Refine is applied to every candidate that passed the shape test.
	Refine func(id models.EntityID, box AABB) bool
}

type ScanOption func(*ScanOptions)

func Approximate() ScanOption {
	return func(o *ScanOptions) { o.Approximate = true }
}

func Refine(fn func(id models.EntityID, box AABB) bool) ScanOption {
	return func(o *ScanOptions) { o.Refine = fn }
}

// ScanSphere returns entities whose box lies within radius of center.
func (s *SpatialIndex) ScanSphere(center models.Vec3, radius float64, opts ...ScanOption) []models.EntityID {
	r2 := radius * radius
	lo := models.Vec3{center[0] - radius, center[1] - radius, center[2] - radius}
	hi := models.Vec3{center[0] + radius, center[1] + radius, center[2] + radius}
	return s.scan(lo, hi, opts,
		func(box AABB) bool { return box.DistanceSquared(center) <= r2 },
		func(cell AABB) bool { return cell.DistanceSquared(center) <= r2 },
	)
}

// ScanAABB returns entities intersecting the half-open box [lo, hi).
func (s *SpatialIndex) ScanAABB(lo, hi models.Vec3, opts ...ScanOption) []models.EntityID {
	return s.scan(lo, hi, opts,
		func(box AABB) bool { return box.overlapsHalfOpen(lo, hi) },
		nil,
	)
}

// ScanPoint returns entities whose box contains p.
func (s *SpatialIndex) ScanPoint(p models.Vec3, opts ...ScanOption) []models.EntityID {
	return s.scan(p, p, opts,
		func(box AABB) bool { return box.Contains(p) },
		nil,
	)
}

// ScanAll returns every indexed entity.
func (s *SpatialIndex) ScanAll() []models.EntityID {
	out := make([]models.EntityID, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

func (s *SpatialIndex) scan(lo, hi models.Vec3, opts []ScanOption, exact func(AABB) bool, cellFilter func(AABB) bool) []models.EntityID {
	var o ScanOptions
	for _, opt := range opts {
		opt(&o)
	}
	accept := func(id models.EntityID, box AABB, checked bool) bool {
		if !checked && !exact(box) {
			return false
		}
		return o.Refine == nil || o.Refine(id, box)
	}

	var out []models.EntityID
	if len(s.entries) < linearScanThreshold {
		for id, entry := range s.entries {
			if accept(id, entry.box, false) {
				out = append(out, id)
			}
		}
		return out
	}

	first, last := s.queryCells(lo, hi)
	seen := make(map[models.EntityID]struct{})
	visit := func(cell Cell, members map[models.EntityID]struct{}) {
		if cellFilter != nil && !cellFilter(s.cellBox(cell)) {
			return
		}
		for id := range members {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if accept(id, s.entries[id].box, o.Approximate) {
				out = append(out, id)
			}
		}
	}

	for id := range s.oversized {
		if accept(id, s.entries[id].box, false) {
			out = append(out, id)
		}
	}

	if cellSpan(first, last) > int64(len(s.cells)) {
		for cell, members := range s.cells {
			if cellWithin(cell, first, last) {
				visit(cell, members)
			}
		}
		return out
	}
	for x := first.X; x <= last.X; x++ {
		for y := first.Y; y <= last.Y; y++ {
			for z := first.Z; z <= last.Z; z++ {
				cell := Cell{x, y, z}
				if members, ok := s.cells[cell]; ok {
					visit(cell, members)
				}
			}
		}
	}
	return out
}

// memberCells lists the cells a box is filed under. Upper bounds that fall
// exactly on a cell boundary do not spill into the next cell. ok is false
// when the box covers more than MaxCellsPerEntry cells.
func (s *SpatialIndex) memberCells(box AABB) (cells []Cell, ok bool) {
	var lo, hi [3]int32
	for i := range 3 {
		lo[i] = s.coord(box.Min[i])
		hi[i] = lo[i]
		if box.Max[i] > box.Min[i] {
			hi[i] = max(lo[i], clampCoord(math.Ceil(box.Max[i]/s.cellSize))-1)
		}
	}
	n := cellSpan(Cell{lo[0], lo[1], lo[2]}, Cell{hi[0], hi[1], hi[2]})
	if n > MaxCellsPerEntry {
		return nil, false
	}
	out := make([]Cell, 0, n)
	for x := lo[0]; x <= hi[0]; x++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for z := lo[2]; z <= hi[2]; z++ {
				out = append(out, Cell{x, y, z})
			}
		}
	}
	return out, true
}

// queryCells widens the range by one cell at lower bounds that sit exactly
// on a boundary, since boxes ending there are filed in the cell below.
func (s *SpatialIndex) queryCells(lo, hi models.Vec3) (Cell, Cell) {
	var a, b [3]int32
	for i := range 3 {
		a[i] = s.coord(lo[i])
		if float64(a[i])*s.cellSize == lo[i] {
			a[i]--
		}
		b[i] = s.coord(hi[i])
	}
	return Cell{a[0], a[1], a[2]}, Cell{b[0], b[1], b[2]}
}

func (s *SpatialIndex) coord(v float64) int32 {
	return clampCoord(math.Floor(v / s.cellSize))
}

// clampCoord keeps grid coordinates clear of int32 overflow so cell loops
// and the one cell widening in queryCells stay finite.
func clampCoord(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f < minCoord:
		return minCoord
	case f > maxCoord:
		return maxCoord
	}
	return int32(f)
}

// cellSpan counts the cells of the inclusive range, saturating past
// MaxCellsPerEntry squared.
func cellSpan(first, last Cell) int64 {
	const limit = int64(MaxCellsPerEntry) * MaxCellsPerEntry
	n := int64(1)
	for _, d := range [3]int64{
		int64(last.X) - int64(first.X) + 1,
		int64(last.Y) - int64(first.Y) + 1,
		int64(last.Z) - int64(first.Z) + 1,
	} {
		n *= d
		if n > limit {
			return limit + 1
		}
	}
	return n
}

func (s *SpatialIndex) cellBox(c Cell) AABB {
	cs := s.cellSize
	return AABB{
		Min: models.Vec3{float64(c.X) * cs, float64(c.Y) * cs, float64(c.Z) * cs},
		Max: models.Vec3{float64(c.X+1) * cs, float64(c.Y+1) * cs, float64(c.Z+1) * cs},
	}
}

func cellWithin(c, first, last Cell) bool {
	return c.X >= first.X && c.X <= last.X &&
		c.Y >= first.Y && c.Y <= last.Y &&
		c.Z >= first.Z && c.Z <= last.Z
}
