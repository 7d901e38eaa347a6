package maze

import (
	"strconv"
	"strings"
)

const size = 5

const columns = "ABCDE"

type point struct{ X, Y int }

func (p point) add(d point) point { return point{p.X + d.X, p.Y + d.Y} }

func (p point) inBounds() bool {
	return p.X >= 0 && p.X < size && p.Y >= 0 && p.Y < size
}

func (p point) String() string {
	return string(columns[p.X]) + strconv.Itoa(p.Y+1)
}

var (
	up    = point{0, -1}
	down  = point{0, 1}
	left  = point{-1, 0}
	right = point{1, 0}
)

type cellKind int

const (
	cellEmpty cellKind = iota
	cellPortal
	cellRiver
	cellDeer
	cellSleigh
	cellExit
)

type cell struct {
	kind cellKind
	// next is the portal destination.
	next point
	// dir is the river flow, or the move that leaves through an exit.
	dir point
	// end stops a river slide.
	end bool
}

// Columns A-E are x 0-4, rows 1-5 are y 0-4.
var cells = map[point]cell{
	{0, 0}: {kind: cellPortal, next: point{1, 1}}, // A1 -> B2
	{1, 1}: {kind: cellPortal, next: point{2, 4}}, // B2 -> C5
	{2, 4}: {kind: cellPortal, next: point{0, 0}}, // C5 -> A1

	{0, 2}: {kind: cellRiver, dir: up},   // A3
	{0, 1}: {kind: cellRiver, end: true}, // A2
	{3, 1}: {kind: cellRiver, dir: left}, // D2
	{2, 1}: {kind: cellRiver, dir: down}, // C2
	{2, 2}: {kind: cellRiver, dir: down}, // C3
	{2, 3}: {kind: cellRiver, dir: left}, // C4
	{1, 3}: {kind: cellRiver, end: true}, // B4

	{3, 3}: {kind: cellDeer},
	{1, 2}: {kind: cellSleigh},
	{0, 4}: {kind: cellExit, dir: left},
}

type wall struct{ a, b point }

// walls sit between two adjacent cells and block movement both ways.
var walls = map[wall]bool{
	{point{3, 0}, point{3, 1}}: true, // D1 | D2
	{point{3, 1}, point{4, 1}}: true, // D2 | E2
	{point{4, 2}, point{4, 3}}: true, // E3 | E4
	{point{1, 3}, point{1, 4}}: true, // B4 | B5
}

func blocked(a, b point) bool {
	return walls[wall{a, b}] || walls[wall{b, a}]
}

func cellAt(p point) cell {
	return cells[p]
}

// parsePoint reads coordinates like "B4"; the column must be a Latin letter.
func parsePoint(s string) (point, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return point{}, false
	}
	x := strings.IndexByte(columns, strings.ToUpper(s[:1])[0])
	if x < 0 {
		return point{}, false
	}
	row, err := strconv.Atoi(s[1:])
	if err != nil || row < 1 || row > size {
		return point{}, false
	}
	return point{x, row - 1}, true
}

func parseDirection(s string) (point, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "вверх", "w", "up":
		return up, true
	case "вниз", "s", "down":
		return down, true
	case "влево", "a", "left":
		return left, true
	case "вправо", "d", "right":
		return right, true
	}
	return point{}, false
}
