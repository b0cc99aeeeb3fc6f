package compositor

import (
	"image"
	"math"
)

// Grid returns the column and row count used for n cells.
// n=1 is 1×1, n=2 is 2×1 and larger counts use cols=ceil(sqrt(n)),
// rows=ceil(n/cols).
func Grid(n int) (cols, rows int) {
	switch {
	case n <= 0:
		return 0, 0
	case n == 1:
		return 1, 1
	case n == 2:
		return 2, 1
	}
	cols = int(math.Ceil(math.Sqrt(float64(n))))
	rows = (n + cols - 1) / cols
	return cols, rows
}

// Layout returns the destination rectangle of each of n sources inside
// bounds, in registration order. Cells are filled row-major; with n=5 the
// sixth cell of the 3×2 grid stays empty. Cell edges are computed with
// integer division of the full extent so cells tile bounds exactly.
func Layout(n int, bounds image.Rectangle) []image.Rectangle {
	cols, rows := Grid(n)
	if cols == 0 {
		return nil
	}
	w, h := bounds.Dx(), bounds.Dy()
	cells := make([]image.Rectangle, n)
	for i := range n {
		col, row := i%cols, i/cols
		cells[i] = image.Rect(
			bounds.Min.X+w*col/cols,
			bounds.Min.Y+h*row/rows,
			bounds.Min.X+w*(col+1)/cols,
			bounds.Min.Y+h*(row+1)/rows,
		)
	}
	return cells
}
