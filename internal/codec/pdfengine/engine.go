// Package pdfengine は pdfcpu を使った codec.Codec の実装です。
//
// pdfcpu はページ単位の編集を読み込み・書き出しの API として提供しているため、
// Document はページの参照と編集内容を記録しておき、Save でまとめて適用します。
// 適用順は 組み立て(Collect/Merge/ImportImages) → 回転 → トリミング → 描画 → 注釈除去 → 文書情報 です。
//
// pdfcpu は書き出しのたびに Producer・CreationDate・ModDate を付け直すため、
// 文書情報は最後に増分更新として追記します。
package pdfengine

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/font"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/yourusername/paperkit/internal/codec"
)

// Engine は pdfcpu の設定を保持する codec.Codec です。
type Engine struct {
	conf *model.Configuration
}

// New は検証を緩和モードにした Engine を返します。
func New() *Engine {
	api.DisableConfigDir()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Engine{conf: conf}
}

type sourcePage struct {
	box         codec.Rect
	rotation    int
	annotations int
}

type source struct {
	data  []byte
	pages []sourcePage
}

// Load implements codec.Codec.
func (e *Engine) Load(data []byte) (codec.Document, error) {
	ctx, err := api.ReadContext(bytes.NewReader(data), e.conf)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return nil, fmt.Errorf("validate pdf: %w", err)
	}

	src := &source{data: append([]byte(nil), data...)}
	dims, err := ctx.PageDims()
	if err != nil {
		return nil, fmt.Errorf("page dimensions: %w", err)
	}
	for nr := 1; nr <= ctx.PageCount; nr++ {
		sp, err := readSourcePage(ctx, nr)
		if err != nil {
			return nil, err
		}
		if sp.box.Width <= 0 && nr-1 < len(dims) {
			sp.box = codec.Rect{Width: dims[nr-1].Width, Height: dims[nr-1].Height}
		}
		src.pages = append(src.pages, sp)
	}

	doc := &document{engine: e, info: readInfo(ctx)}
	for i := range src.pages {
		doc.pages = append(doc.pages, newSourcePage(src, i))
	}
	return doc, nil
}

func readSourcePage(ctx *model.Context, nr int) (sourcePage, error) {
	var sp sourcePage
	d, _, inh, err := ctx.PageDict(nr, false)
	if err != nil {
		return sp, fmt.Errorf("page %d: %w", nr, err)
	}
	if inh != nil {
		r := inh.CropBox
		if r == nil {
			r = inh.MediaBox
		}
		if r != nil {
			sp.box = codec.Rect{X: r.LL.X, Y: r.LL.Y, Width: r.Width(), Height: r.Height()}
		}
		sp.rotation = inh.Rotate
	}
	if v, ok := d["Rotate"].(types.Integer); ok {
		sp.rotation = v.Value()
	}
	sp.rotation = normalizeRotation(sp.rotation)
	if obj, ok := d["Annots"]; ok {
		if arr, err := ctx.DereferenceArray(obj); err == nil {
			sp.annotations = len(arr)
		}
	}
	return sp, nil
}

// New implements codec.Codec.
func (e *Engine) New() codec.Document {
	return &document{engine: e}
}

// EmbedImage implements codec.Codec.
func (e *Engine) EmbedImage(data []byte, kind codec.ImageKind) (codec.Image, error) {
	want := "image/png"
	if kind == codec.ImageJPEG {
		want = "image/jpeg"
	}
	if mt := mimetype.Detect(data); !mt.Is(want) {
		return nil, fmt.Errorf("%w: expected %s, got %s", codec.ErrUnsupported, want, mt.String())
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrUnsupported, err)
	}
	return &embedded{kind: kind, w: float64(cfg.Width), h: float64(cfg.Height), data: append([]byte(nil), data...)}, nil
}

// MeasureText は標準14書体のメトリクスから幅を求めます。
func (e *Engine) MeasureText(f codec.Font, text string, size float64) float64 {
	// TextWidth は整数ポイントしか受け付けないので 1000pt で測ってから縮める
	return font.TextWidth(text, string(f), 1000) * size / 1000
}

type embedded struct {
	kind codec.ImageKind
	w, h float64
	data []byte
}

func (i *embedded) Kind() codec.ImageKind { return i.kind }

func (i *embedded) Size() (float64, float64) { return i.w, i.h }

type draw struct {
	text       string
	textStyle  codec.TextStyle
	img        *embedded
	imageStyle codec.ImageStyle
	box        codec.Rect
}

type page struct {
	src *source
	idx int

	img  *embedded
	w, h float64

	box      codec.Rect
	rotation int
	draws    []draw
	strip    bool
}

func newSourcePage(src *source, idx int) *page {
	sp := src.pages[idx]
	return &page{src: src, idx: idx, box: sp.box, rotation: sp.rotation}
}

func (p *page) clone() *page {
	c := *p
	c.draws = append([]draw(nil), p.draws...)
	return &c
}

func (p *page) originalBox() codec.Rect {
	if p.src == nil {
		return codec.Rect{Width: p.w, Height: p.h}
	}
	return p.src.pages[p.idx].box
}

func (p *page) originalRotation() int {
	if p.src == nil {
		return 0
	}
	return p.src.pages[p.idx].rotation
}

func (p *page) Size() (float64, float64) { return p.box.Width, p.box.Height }
func (p *page) Box() codec.Rect          { return p.box }
func (p *page) SetBox(r codec.Rect)      { p.box = r }
func (p *page) Rotation() int            { return p.rotation }
func (p *page) SetRotation(deg int)      { p.rotation = normalizeRotation(deg) }

func (p *page) DrawText(text string, box codec.Rect, style codec.TextStyle) {
	p.draws = append(p.draws, draw{text: text, textStyle: style, box: box})
}

func (p *page) DrawImage(img codec.Image, box codec.Rect, style codec.ImageStyle) {
	e, ok := img.(*embedded)
	if !ok {
		return
	}
	p.draws = append(p.draws, draw{img: e, imageStyle: style, box: box})
}

func (p *page) StripAnnotations() int {
	if p.strip || p.src == nil {
		return 0
	}
	p.strip = true
	return p.src.pages[p.idx].annotations
}

type document struct {
	engine    *Engine
	pages     []*page
	info      codec.Info
	infoDirty bool
}

func (d *document) PageCount() int { return len(d.pages) }

func (d *document) Page(i int) codec.Page { return d.pages[i] }

func (d *document) AppendPages(src codec.Document, indices []int) error {
	other, ok := src.(*document)
	if !ok {
		return fmt.Errorf("pdfengine: foreign document %T", src)
	}
	for _, idx := range indices {
		if idx < 0 || idx >= len(other.pages) {
			return fmt.Errorf("pdfengine: page index %d out of range", idx)
		}
		d.pages = append(d.pages, other.pages[idx].clone())
	}
	return nil
}

func (d *document) RemovePage(i int) error {
	if i < 0 || i >= len(d.pages) {
		return fmt.Errorf("pdfengine: page index %d out of range", i)
	}
	d.pages = append(d.pages[:i], d.pages[i+1:]...)
	return nil
}

func (d *document) AppendImagePage(img codec.Image, w, h float64) error {
	e, ok := img.(*embedded)
	if !ok {
		return fmt.Errorf("pdfengine: foreign image %T", img)
	}
	d.pages = append(d.pages, &page{img: e, w: w, h: h, box: codec.Rect{Width: w, Height: h}})
	return nil
}

func (d *document) Info() codec.Info { return d.info }

func (d *document) SetInfo(info codec.Info) {
	d.info = info
	d.infoDirty = true
}

// Save は記録済みの編集を順に適用して PDF を書き出します。
func (d *document) Save() ([]byte, error) {
	if len(d.pages) == 0 {
		return nil, fmt.Errorf("pdfengine: document has no pages")
	}
	data, err := d.assemble()
	if err != nil {
		return nil, err
	}
	if data, err = d.applyRotation(data); err != nil {
		return nil, err
	}
	if data, err = d.applyCrop(data); err != nil {
		return nil, err
	}
	if data, err = d.applyDraws(data); err != nil {
		return nil, err
	}
	if data, err = d.applyStrip(data); err != nil {
		return nil, err
	}
	return d.restoreInfo(data)
}

func (d *document) assemble() ([]byte, error) {
	conf := d.engine.conf
	var parts [][]byte

	for i := 0; i < len(d.pages); {
		p := d.pages[i]
		if p.src == nil {
			part, err := importImagePage(p, conf)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
			i++
			continue
		}
		var selected []string
		j := i
		for ; j < len(d.pages) && d.pages[j].src == p.src; j++ {
			selected = append(selected, strconv.Itoa(d.pages[j].idx+1))
		}
		var buf bytes.Buffer
		if err := api.Collect(bytes.NewReader(p.src.data), &buf, selected, conf); err != nil {
			return nil, fmt.Errorf("collect pages: %w", err)
		}
		parts = append(parts, buf.Bytes())
		i = j
	}

	if len(parts) == 1 {
		return parts[0], nil
	}
	readers := make([]io.ReadSeeker, len(parts))
	for i, part := range parts {
		readers[i] = bytes.NewReader(part)
	}
	var buf bytes.Buffer
	if err := api.MergeRaw(readers, &buf, false, conf); err != nil {
		return nil, fmt.Errorf("merge parts: %w", err)
	}
	return buf.Bytes(), nil
}

// importImagePage は w×h ポイントのページに画像を縦横比を保って最大まで配置します。
// pdfcpu は Pos が full のときページを画像のピクセル寸法にするため中央配置を使います。
func importImagePage(p *page, conf *model.Configuration) ([]byte, error) {
	imp := pdfcpu.DefaultImportConfig()
	imp.PageDim = &types.Dim{Width: p.w, Height: p.h}
	imp.UserDim = true
	imp.Pos = types.Center
	imp.Scale = 1
	var buf bytes.Buffer
	if err := api.ImportImages(nil, &buf, []io.Reader{bytes.NewReader(p.img.data)}, imp, conf); err != nil {
		return nil, fmt.Errorf("import image page: %w", err)
	}
	return buf.Bytes(), nil
}

// groupPages はキーごとに 1始まりのページ番号をまとめます。空キーは対象外です。
func (d *document) groupPages(key func(p *page) string) (keys []string, groups map[string][]string) {
	groups = make(map[string][]string)
	for i, p := range d.pages {
		k := key(p)
		if k == "" {
			continue
		}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], strconv.Itoa(i+1))
	}
	sort.Strings(keys)
	return keys, groups
}

func (d *document) applyRotation(data []byte) ([]byte, error) {
	keys, groups := d.groupPages(func(p *page) string {
		delta := normalizeRotation(p.rotation - p.originalRotation())
		if delta == 0 {
			return ""
		}
		return strconv.Itoa(delta)
	})
	for _, k := range keys {
		delta, _ := strconv.Atoi(k)
		var buf bytes.Buffer
		if err := api.Rotate(bytes.NewReader(data), &buf, delta, groups[k], d.engine.conf); err != nil {
			return nil, fmt.Errorf("rotate pages: %w", err)
		}
		data = buf.Bytes()
	}
	return data, nil
}

func (d *document) applyCrop(data []byte) ([]byte, error) {
	keys, groups := d.groupPages(func(p *page) string {
		if p.box == p.originalBox() {
			return ""
		}
		b := p.box
		return fmt.Sprintf("[%.2f %.2f %.2f %.2f]", b.X, b.Y, b.X+b.Width, b.Y+b.Height)
	})
	for _, k := range keys {
		box, err := api.Box(k, types.POINTS)
		if err != nil {
			return nil, fmt.Errorf("crop box %s: %w", k, err)
		}
		var buf bytes.Buffer
		if err := api.Crop(bytes.NewReader(data), &buf, groups[k], box, d.engine.conf); err != nil {
			return nil, fmt.Errorf("crop pages: %w", err)
		}
		data = buf.Bytes()
	}
	return data, nil
}

// applyDraws は描画を1ページ1件ずつのパスに分けてウォーターマークとして重ねます。
func (d *document) applyDraws(data []byte) ([]byte, error) {
	passes := 0
	for _, p := range d.pages {
		passes = max(passes, len(p.draws))
	}
	for k := 0; k < passes; k++ {
		m := make(map[int]*model.Watermark)
		for i, p := range d.pages {
			if k >= len(p.draws) {
				continue
			}
			wm, err := watermarkFor(p.draws[k])
			if err != nil {
				return nil, err
			}
			m[i+1] = wm
		}
		var buf bytes.Buffer
		if err := api.AddWatermarksMap(bytes.NewReader(data), &buf, m, d.engine.conf); err != nil {
			return nil, fmt.Errorf("draw overlay: %w", err)
		}
		data = buf.Bytes()
	}
	return data, nil
}

func watermarkFor(dr draw) (*model.Watermark, error) {
	if dr.img != nil {
		scale := 1.0
		if dr.img.w > 0 {
			scale = dr.box.Width / dr.img.w
		}
		desc := strings.Join([]string{
			"position:bl",
			fmt.Sprintf("offset:%.2f %.2f", dr.box.X, dr.box.Y),
			fmt.Sprintf("scalefactor:%.4f abs", scale),
			fmt.Sprintf("rotation:%.2f", dr.imageStyle.Rotation),
			fmt.Sprintf("opacity:%.2f", opacity(dr.imageStyle.Opacity)),
		}, ", ")
		return api.ImageWatermarkForReader(bytes.NewReader(dr.img.data), desc, true, false, types.POINTS)
	}

	st := dr.textStyle
	fontName := st.Font
	if fontName == "" {
		fontName = codec.FontHelvetica
	}
	desc := strings.Join([]string{
		"fontname:" + string(fontName),
		fmt.Sprintf("points:%d", max(1, int(math.Round(st.Size)))),
		"scalefactor:1 abs",
		"position:bl",
		fmt.Sprintf("offset:%.2f %.2f", dr.box.X, dr.box.Y),
		fmt.Sprintf("rotation:%.2f", st.Rotation),
		fmt.Sprintf("opacity:%.2f", opacity(st.Opacity)),
		"fillcolor:" + hexColor(st.Color),
	}, ", ")
	return api.TextWatermark(dr.text, desc, true, false, types.POINTS)
}

// applyStrip は指定ページの注釈とフォームを取り除きます。
func (d *document) applyStrip(data []byte) ([]byte, error) {
	strip := false
	for _, p := range d.pages {
		strip = strip || p.strip
	}
	if !strip {
		return data, nil
	}

	ctx, err := api.ReadContext(bytes.NewReader(data), d.engine.conf)
	if err != nil {
		return nil, fmt.Errorf("reread pdf: %w", err)
	}
	// ReadContext だけではページ数が設定されず PageDict が引けない
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}
	for i, p := range d.pages {
		if !p.strip {
			continue
		}
		pd, _, _, err := ctx.PageDict(i+1, false)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		delete(pd, "Annots")
	}
	root, err := ctx.Catalog()
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	delete(root, "AcroForm")

	var buf bytes.Buffer
	if err := api.WriteContext(ctx, &buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func normalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

// opacity は [0,1] に収めます。0 は完全に透明です。
func opacity(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func hexColor(c codec.Color) string {
	ch := func(v float64) uint8 {
		return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
	}
	return fmt.Sprintf("#%02x%02x%02x", ch(c.R), ch(c.G), ch(c.B))
}
