// Package codectest はテスト用のインメモリ codec 実装を提供します。
//
// 保存形式はマジックヘッダー付きの JSON で、各ページは生成時に付けた ID を保持します。
// 結合や並べ替えの結果をページ ID の並びで検証できます。
package codectest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math/rand/v2"
	"sync/atomic"

	"github.com/yourusername/paperkit/internal/codec"
)

const magic = "%FAKEPDF-1\n"

// ErrNotDocument は magic を持たない入力に返されます。
var ErrNotDocument = errors.New("codectest: not a fake document")

// Text は描画されたテキストの記録です。
type Text struct {
	Text  string          `json:"text"`
	Box   codec.Rect      `json:"box"`
	Style codec.TextStyle `json:"style"`
}

// Drawing は描画された画像の記録です。
type Drawing struct {
	Kind  codec.ImageKind  `json:"kind"`
	Box   codec.Rect       `json:"box"`
	Style codec.ImageStyle `json:"style"`
	Data  []byte           `json:"data,omitempty"`
}

// PageData はページの保存状態です。
type PageData struct {
	ID          string     `json:"id"`
	Width       float64    `json:"width"`
	Height      float64    `json:"height"`
	Box         codec.Rect `json:"box"`
	Rotation    int        `json:"rotation"`
	Annotations int        `json:"annotations"`
	Texts       []Text     `json:"texts,omitempty"`
	Images      []Drawing  `json:"images,omitempty"`
}

// File は保存された文書全体です。
type File struct {
	Pages []PageData `json:"pages"`
	Info  codec.Info `json:"info"`
}

// IDs はページ ID を順に返します。
func (f File) IDs() []string {
	ids := make([]string, len(f.Pages))
	for i, p := range f.Pages {
		ids[i] = p.ID
	}
	return ids
}

// PageDef は BuildPages 用のページ定義です。
type PageDef struct {
	ID          string
	Width       float64
	Height      float64
	Rotation    int
	Annotations int
}

// Build は prefix+連番（1始まり）の ID を持つ n ページの文書を返します。
func Build(prefix string, n int, w, h float64) []byte {
	defs := make([]PageDef, n)
	for i := range defs {
		defs[i] = PageDef{ID: fmt.Sprintf("%s%d", prefix, i+1), Width: w, Height: h}
	}
	return BuildPages(defs...)
}

// BuildPages は任意のページ定義から文書を作ります。
func BuildPages(defs ...PageDef) []byte {
	f := File{Pages: make([]PageData, len(defs))}
	for i, s := range defs {
		f.Pages[i] = PageData{
			ID:          s.ID,
			Width:       s.Width,
			Height:      s.Height,
			Box:         codec.Rect{Width: s.Width, Height: s.Height},
			Rotation:    s.Rotation,
			Annotations: s.Annotations,
		}
	}
	data, err := encode(f)
	if err != nil {
		panic(err)
	}
	return data
}

// Parse は保存済みバイト列を読み戻します。
func Parse(data []byte) (File, error) {
	var f File
	if !bytes.HasPrefix(data, []byte(magic)) {
		return f, ErrNotDocument
	}
	if err := json.Unmarshal(data[len(magic):], &f); err != nil {
		return f, fmt.Errorf("codectest: decode: %w", err)
	}
	return f, nil
}

func encode(f File) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append([]byte(magic), body...), nil
}

// Codec は codec.Codec のインメモリ実装です。
type Codec struct {
	// SaveErr が設定されていると Save はこのエラーを返します。
	SaveErr error
}

// New は Codec を返します。
func New() *Codec {
	return &Codec{}
}

// Load implements codec.Codec.
func (c *Codec) Load(data []byte) (codec.Document, error) {
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	doc := &document{codec: c, info: f.Info}
	for _, p := range f.Pages {
		pd := p
		doc.pages = append(doc.pages, &page{data: pd})
	}
	return doc, nil
}

// New implements codec.Codec.
func (c *Codec) New() codec.Document {
	return &document{codec: c}
}

// EmbedImage implements codec.Codec.
func (c *Codec) EmbedImage(data []byte, kind codec.ImageKind) (codec.Image, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrUnsupported, err)
	}
	if string(kind) != format {
		return nil, fmt.Errorf("%w: declared %s, got %s", codec.ErrUnsupported, kind, format)
	}
	return &embedded{kind: kind, w: float64(cfg.Width), h: float64(cfg.Height), data: append([]byte(nil), data...)}, nil
}

// MeasureText は 1文字あたり size/2 の幅として計算します。
func (c *Codec) MeasureText(font codec.Font, text string, size float64) float64 {
	return float64(len([]rune(text))) * size * 0.5
}

type embedded struct {
	kind codec.ImageKind
	w, h float64
	data []byte
}

func (e *embedded) Kind() codec.ImageKind { return e.kind }
func (e *embedded) Size() (float64, float64) {
	return e.w, e.h
}

type document struct {
	codec *Codec
	pages []*page
	info  codec.Info
	seq   int
}

func (d *document) PageCount() int { return len(d.pages) }

func (d *document) Page(i int) codec.Page {
	return d.pages[i]
}

func (d *document) AppendPages(src codec.Document, indices []int) error {
	other, ok := src.(*document)
	if !ok {
		return fmt.Errorf("codectest: foreign document %T", src)
	}
	for _, idx := range indices {
		if idx < 0 || idx >= len(other.pages) {
			return fmt.Errorf("codectest: page %d out of range", idx)
		}
		d.pages = append(d.pages, other.pages[idx].clone())
	}
	return nil
}

func (d *document) RemovePage(i int) error {
	if i < 0 || i >= len(d.pages) {
		return fmt.Errorf("codectest: page %d out of range", i)
	}
	d.pages = append(d.pages[:i], d.pages[i+1:]...)
	return nil
}

func (d *document) AppendImagePage(img codec.Image, w, h float64) error {
	e, ok := img.(*embedded)
	if !ok {
		return fmt.Errorf("codectest: foreign image %T", img)
	}
	d.seq++
	p := &page{data: PageData{
		ID:     fmt.Sprintf("img%d", d.seq),
		Width:  w,
		Height: h,
		Box:    codec.Rect{Width: w, Height: h},
	}}
	p.data.Images = append(p.data.Images, Drawing{
		Kind:  e.kind,
		Box:   codec.Rect{Width: w, Height: h},
		Style: codec.ImageStyle{Opacity: 1},
		Data:  e.data,
	})
	d.pages = append(d.pages, p)
	return nil
}

func (d *document) Info() codec.Info     { return d.info }
func (d *document) SetInfo(i codec.Info) { d.info = i }

func (d *document) Save() ([]byte, error) {
	if d.codec != nil && d.codec.SaveErr != nil {
		return nil, d.codec.SaveErr
	}
	f := File{Info: d.info, Pages: make([]PageData, len(d.pages))}
	for i, p := range d.pages {
		f.Pages[i] = p.data
	}
	return encode(f)
}

type page struct {
	data PageData
}

func (p *page) clone() *page {
	c := &page{data: p.data}
	c.data.Texts = append([]Text(nil), p.data.Texts...)
	c.data.Images = append([]Drawing(nil), p.data.Images...)
	return c
}

func (p *page) Size() (float64, float64) { return p.data.Box.Width, p.data.Box.Height }
func (p *page) Box() codec.Rect          { return p.data.Box }
func (p *page) SetBox(r codec.Rect)      { p.data.Box = r }
func (p *page) Rotation() int            { return p.data.Rotation }
func (p *page) SetRotation(deg int)      { p.data.Rotation = deg }

func (p *page) DrawText(text string, box codec.Rect, style codec.TextStyle) {
	p.data.Texts = append(p.data.Texts, Text{Text: text, Box: box, Style: style})
}

func (p *page) DrawImage(img codec.Image, box codec.Rect, style codec.ImageStyle) {
	d := Drawing{Kind: img.Kind(), Box: box, Style: style}
	if e, ok := img.(*embedded); ok {
		d.Data = e.data
	}
	p.data.Images = append(p.data.Images, d)
}

func (p *page) StripAnnotations() int {
	n := p.data.Annotations
	p.data.Annotations = 0
	return n
}

// Rasterizer はページ ID から決まる擬似ノイズ画像を返します。
// 画素数は dpi に比例し、ページ寸法の 1/Downscale で生成します。
type Rasterizer struct {
	Downscale int

	opens atomic.Int64
	open  atomic.Int64
	calls atomic.Int64
}

// Calls は Rasterize が呼ばれた回数を返します。
func (r *Rasterizer) Calls() int {
	return int(r.calls.Load())
}

// Opens は Open が呼ばれた回数を返します。
func (r *Rasterizer) Opens() int {
	return int(r.opens.Load())
}

// Unclosed は Close されていない RasterSource の数を返します。
func (r *Rasterizer) Unclosed() int {
	return int(r.open.Load())
}

// Open implements codec.Rasterizer.
func (r *Rasterizer) Open(ctx context.Context, data []byte) (codec.RasterSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	r.opens.Add(1)
	r.open.Add(1)
	return &rasterSource{r: r, file: f}, nil
}

type rasterSource struct {
	r      *Rasterizer
	file   File
	closed bool
}

func (s *rasterSource) Close() error {
	if !s.closed {
		s.closed = true
		s.r.open.Add(-1)
	}
	return nil
}

func (s *rasterSource) Rasterize(ctx context.Context, pageIndex int, dpi int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, fmt.Errorf("codectest: source closed")
	}
	f, r := s.file, s.r
	if pageIndex < 0 || pageIndex >= len(f.Pages) {
		return nil, fmt.Errorf("codectest: page %d out of range", pageIndex)
	}
	r.calls.Add(1)
	down := r.Downscale
	if down <= 0 {
		down = 8
	}
	p := f.Pages[pageIndex]
	w := max(1, int(p.Box.Width*float64(dpi)/72)/down)
	h := max(1, int(p.Box.Height*float64(dpi)/72)/down)

	hasher := fnv.New64a()
	hasher.Write([]byte(p.ID))
	rng := rand.New(rand.NewPCG(hasher.Sum64(), uint64(pageIndex)))

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			base := uint8((x*255/w + y*255/h) / 2)
			n := uint8(rng.IntN(64))
			img.Set(x, y, color.RGBA{R: base + n/2, G: base / 2, B: 255 - base - n/3, A: 255})
		}
	}
	return img, nil
}
