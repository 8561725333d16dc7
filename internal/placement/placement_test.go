package placement

import "testing"

func TestPlace(t *testing.T) {
	page := Size{W: 600, H: 800}
	content := Size{W: 100, H: 20}
	const margin = 40

	cases := []struct {
		pos  Position
		want Point
	}{
		{TopRight, Point{X: 460, Y: 740}},
		{Center, Point{X: 250, Y: 390}},
		{Diagonal, Point{X: 250, Y: 390}},
		{TopLeft, Point{X: 40, Y: 740}},
		{TopCenter, Point{X: 250, Y: 740}},
		{BottomLeft, Point{X: 40, Y: 40}},
		{BottomCenter, Point{X: 250, Y: 40}},
		{BottomRight, Point{X: 460, Y: 40}},
		{Position("nowhere"), Point{X: 250, Y: 390}},
	}
	for _, tc := range cases {
		if got := Place(tc.pos, content, page, margin); got != tc.want {
			t.Fatalf("Place(%s) = %+v, want %+v", tc.pos, got, tc.want)
		}
	}
}

func TestBoxAt(t *testing.T) {
	got := BoxAt(TopRight, Size{W: 100, H: 20}, Size{W: 600, H: 800}, 40)
	want := Box{X: 460, Y: 740, Width: 100, Height: 20}
	if got != want {
		t.Fatalf("BoxAt = %+v, want %+v", got, want)
	}
}

func TestRotationFor(t *testing.T) {
	if got := RotationFor(Diagonal, nil); got != DiagonalRotation {
		t.Fatalf("diagonal rotation = %v", got)
	}
	if got := RotationFor(Center, nil); got != 0 {
		t.Fatalf("center rotation = %v", got)
	}
	override := 0.0
	if got := RotationFor(Diagonal, &override); got != 0 {
		t.Fatalf("override ignored: %v", got)
	}
}

func TestHeaderFooter(t *testing.T) {
	page := Size{W: 600, H: 800}
	content := Size{W: 100, H: 10}

	cases := []struct {
		band  Band
		align Align
		want  Point
	}{
		{Header, AlignLeft, Point{X: 30, Y: 800 - HeaderFooterOffset - 10}},
		{Header, AlignCenter, Point{X: 250, Y: 800 - HeaderFooterOffset - 10}},
		{Footer, AlignRight, Point{X: 470, Y: HeaderFooterOffset}},
	}
	for _, tc := range cases {
		if got := HeaderFooter(tc.band, tc.align, content, page, 30); got != tc.want {
			t.Fatalf("HeaderFooter(%s, %s) = %+v, want %+v", tc.band, tc.align, got, tc.want)
		}
	}
}

func TestParsePosition(t *testing.T) {
	if p, ok := ParsePosition(" Top-Right "); !ok || p != TopRight {
		t.Fatalf("ParsePosition = %s, %v", p, ok)
	}
	if p, ok := ParsePosition("sideways"); ok || p != Center {
		t.Fatalf("unknown position = %s, %v", p, ok)
	}
}

func TestInset(t *testing.T) {
	got := Box{X: 0, Y: 0, Width: 600, Height: 800}.Inset(Margins{Top: 10, Right: 20, Bottom: 30, Left: 40})
	want := Box{X: 40, Y: 30, Width: 540, Height: 760}
	if got != want {
		t.Fatalf("Inset = %+v, want %+v", got, want)
	}
}
