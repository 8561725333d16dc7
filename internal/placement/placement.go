// Package placement はオーバーレイ（透かし・署名・ページ番号など）の描画位置を計算します。
//
// 座標系はページの可視領域の左下を原点とする y 上向きで、単位はポイントです。
package placement

import "strings"

// Position はオーバーレイの配置指定です。
type Position string

const (
	Center       Position = "center"
	Diagonal     Position = "diagonal"
	TopLeft      Position = "top-left"
	TopCenter    Position = "top-center"
	TopRight     Position = "top-right"
	BottomLeft   Position = "bottom-left"
	BottomCenter Position = "bottom-center"
	BottomRight  Position = "bottom-right"
)

// DiagonalRotation は diagonal 指定時の暗黙の回転角（度）です。
const DiagonalRotation = 45.0

// HeaderFooterOffset はヘッダー/フッターを上端・下端から離す固定距離です。
const HeaderFooterOffset = 20.0

// Positions は有効な Position の一覧です。
var Positions = []Position{Center, Diagonal, TopLeft, TopCenter, TopRight, BottomLeft, BottomCenter, BottomRight}

// ParsePosition は文字列を Position に変換します。未知の値は Center として扱い ok=false を返します。
func ParsePosition(s string) (Position, bool) {
	p := Position(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Positions {
		if p == known {
			return p, true
		}
	}
	return Center, false
}

// Size は幅と高さです。
type Size struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Point は描画原点です。
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box はページ内の矩形（PlacementBox）です。
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Size は Box の大きさを返します。
func (b Box) Size() Size {
	return Size{W: b.Width, H: b.Height}
}

// Margins は上下左右の余白です。
type Margins struct {
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
}

// Inset は box から余白を差し引いた矩形を返します。幅・高さが負になり得る点に注意してください。
func (b Box) Inset(m Margins) Box {
	return Box{
		X:      b.X + m.Left,
		Y:      b.Y + m.Bottom,
		Width:  b.Width - m.Left - m.Right,
		Height: b.Height - m.Top - m.Bottom,
	}
}

// Place は content を page 内の pos に margin を空けて置いたときの左下座標を返します。
func Place(pos Position, content, page Size, margin float64) Point {
	centerX := (page.W - content.W) / 2
	top := page.H - margin - content.H

	switch pos {
	case TopLeft:
		return Point{X: margin, Y: top}
	case TopCenter:
		return Point{X: centerX, Y: top}
	case TopRight:
		return Point{X: page.W - margin - content.W, Y: top}
	case BottomLeft:
		return Point{X: margin, Y: margin}
	case BottomCenter:
		return Point{X: centerX, Y: margin}
	case BottomRight:
		return Point{X: page.W - margin - content.W, Y: margin}
	default:
		// center / diagonal / 未知の値
		return Point{X: centerX, Y: (page.H - content.H) / 2}
	}
}

// BoxAt は Place の結果を content の大きさと合わせた Box で返します。
func BoxAt(pos Position, content, page Size, margin float64) Box {
	p := Place(pos, content, page, margin)
	return Box{X: p.X, Y: p.Y, Width: content.W, Height: content.H}
}

// RotationFor は描画時の回転角を返します。override が指定されていればそれを優先します。
func RotationFor(pos Position, override *float64) float64 {
	if override != nil {
		return *override
	}
	if pos == Diagonal {
		return DiagonalRotation
	}
	return 0
}

// Band はヘッダーかフッターかを表します。
type Band string

const (
	Header Band = "header"
	Footer Band = "footer"
)

// Align はヘッダー/フッターの水平揃えです。
type Align string

const (
	AlignLeft   Align = "left"
	AlignCenter Align = "center"
	AlignRight  Align = "right"
)

// ParseAlign は文字列を Align に変換します。未知の値は AlignCenter です。
func ParseAlign(s string) Align {
	switch Align(strings.ToLower(strings.TrimSpace(s))) {
	case AlignLeft:
		return AlignLeft
	case AlignRight:
		return AlignRight
	default:
		return AlignCenter
	}
}

// HeaderFooter はヘッダー/フッター用の座標を返します。
// 水平方向は Place と同じ式、垂直方向は上端/下端から HeaderFooterOffset の位置に固定します。
func HeaderFooter(band Band, align Align, content, page Size, margin float64) Point {
	var x float64
	switch align {
	case AlignLeft:
		x = margin
	case AlignRight:
		x = page.W - margin - content.W
	default:
		x = (page.W - content.W) / 2
	}

	if band == Header {
		return Point{X: x, Y: page.H - HeaderFooterOffset - content.H}
	}
	return Point{X: x, Y: HeaderFooterOffset}
}
