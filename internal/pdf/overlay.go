package pdf

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/paperkit/internal/codec"
	"github.com/yourusername/paperkit/internal/pagerange"
	"github.com/yourusername/paperkit/internal/placement"
	"github.com/yourusername/paperkit/internal/progress"
)

const (
	defaultWatermarkOpacity  = 0.3
	defaultWatermarkFontSize = 48.0
	defaultHeaderFontSize    = 10.0
	defaultNumberFontSize    = 12.0
	defaultOverlayMargin     = 36.0
	defaultSignatureWidth    = 150.0
)

// WatermarkOptions は透かしのオプションです。Text と Image のどちらか一方を指定します。
type WatermarkOptions struct {
	Text      string   `json:"text,omitempty" form:"text"`
	Image     []byte   `json:"-" form:"-"`
	Position  string   `json:"position,omitempty" form:"position"`
	Opacity   *float64 `json:"opacity,omitempty" form:"opacity"`
	FontSize  float64  `json:"fontSize,omitempty" form:"fontSize"`
	Color     string   `json:"color,omitempty" form:"color"`
	Scale     float64  `json:"scale,omitempty" form:"scale"`
	Rotation  *float64 `json:"rotation,omitempty" form:"rotation"`
	Margin    *float64 `json:"margin,omitempty" form:"margin"`
	SkipFirst bool     `json:"skipFirst,omitempty" form:"skipFirst"`
	Pages     string   `json:"pages,omitempty" form:"pages"`
}

// HeaderFooterOptions はヘッダー/フッターのオプションです。
// テキスト中の {page} と {total} はページ番号と総ページ数に置き換えます。
type HeaderFooterOptions struct {
	Header    string   `json:"header,omitempty" form:"header"`
	Footer    string   `json:"footer,omitempty" form:"footer"`
	Align     string   `json:"align,omitempty" form:"align"`
	FontSize  float64  `json:"fontSize,omitempty" form:"fontSize"`
	Color     string   `json:"color,omitempty" form:"color"`
	Margin    *float64 `json:"margin,omitempty" form:"margin"`
	SkipFirst bool     `json:"skipFirst,omitempty" form:"skipFirst"`
	Pages     string   `json:"pages,omitempty" form:"pages"`
}

// PageNumbersOptions はページ番号のオプションです。
// Format の {n} は Start から数えた番号、{total} は最後に振られる番号です。
type PageNumbersOptions struct {
	Format    string   `json:"format,omitempty" form:"format"`
	Start     int      `json:"start,omitempty" form:"start"`
	Position  string   `json:"position,omitempty" form:"position"`
	FontSize  float64  `json:"fontSize,omitempty" form:"fontSize"`
	Color     string   `json:"color,omitempty" form:"color"`
	Margin    *float64 `json:"margin,omitempty" form:"margin"`
	SkipFirst bool     `json:"skipFirst,omitempty" form:"skipFirst"`
	Pages     string   `json:"pages,omitempty" form:"pages"`
}

// SignOptions は署名画像のオプションです。Pages が空なら最終ページに配置します。
type SignOptions struct {
	Image    []byte   `json:"-" form:"-"`
	Position string   `json:"position,omitempty" form:"position"`
	Width    float64  `json:"width,omitempty" form:"width"`
	Opacity  *float64 `json:"opacity,omitempty" form:"opacity"`
	Margin   *float64 `json:"margin,omitempty" form:"margin"`
	Pages    string   `json:"pages,omitempty" form:"pages"`
}

// drawFunc は1ページ分の描画です。ordinal は描画対象ページ内での順番（0始まり）です。
type drawFunc func(ordinal, idx int, p codec.Page) error

// overlay は選択ページへ順に draw を適用して書き出します。
func (s *Service) overlay(ctx context.Context, doc codec.Document, selected []int, report progress.Reporter, label string, draw drawFunc) ([]byte, any, error) {
	n := doc.PageCount()
	for i, idx := range selected {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		processing(report, i, len(selected), "%dページ目に%sを描画しています", idx+1, label)
		if err := draw(i, idx, doc.Page(idx)); err != nil {
			return nil, nil, err
		}
	}
	data, err := s.save(doc, report)
	if err != nil {
		return nil, nil, err
	}
	return data, OverlayStats{SourcePages: n, Drawn: pageNumbers(selected)}, nil
}

// overlayPages は描画対象のページを決めます。skipFirst なら先頭ページを除きます。
func overlayPages(expr string, n int, skipFirst bool) ([]int, error) {
	selected := pagerange.Select(expr, n)
	if skipFirst && len(selected) > 0 && selected[0] == 0 {
		selected = selected[1:]
	}
	if len(selected) == 0 {
		return nil, newError(CodeNoPages, "描画するページが選択されていません。", nil)
	}
	return selected, nil
}

// Watermark は選択ページにテキストまたは画像の透かしを重ねます。
func (s *Service) Watermark(ctx context.Context, src []byte, opts WatermarkOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationWatermark, report, func(report progress.Reporter) ([]byte, any, error) {
		text := strings.TrimSpace(opts.Text)
		if text == "" && len(opts.Image) == 0 {
			return nil, nil, newError(CodeInvalidInput, "透かしのテキストまたは画像を指定してください。", nil)
		}
		if text != "" && len(opts.Image) > 0 {
			return nil, nil, newError(CodeInvalidInput, "透かしはテキストと画像のどちらか一方を指定してください。", nil)
		}
		pos, ok := placement.ParsePosition(opts.Position)
		if !ok && opts.Position != "" {
			return nil, nil, newError(CodeInvalidInput, fmt.Sprintf("配置位置 %q は指定できません。", opts.Position), nil)
		}
		alpha, err := parseOpacity(opts.Opacity, defaultWatermarkOpacity)
		if err != nil {
			return nil, nil, err
		}
		color, err := parseColor(opts.Color, codec.Color{R: 0.5, G: 0.5, B: 0.5})
		if err != nil {
			return nil, nil, err
		}
		margin := valueOr(opts.Margin, defaultOverlayMargin)
		rotation := placement.RotationFor(pos, opts.Rotation)

		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		selected, err := overlayPages(opts.Pages, doc.PageCount(), opts.SkipFirst)
		if err != nil {
			return nil, nil, err
		}

		if text != "" {
			size := positiveOr(opts.FontSize, defaultWatermarkFontSize)
			content := placement.Size{W: s.codec.MeasureText(codec.FontHelvetica, text, size), H: size}
			style := codec.TextStyle{Font: codec.FontHelvetica, Size: size, Color: color, Opacity: alpha, Rotation: rotation}
			return s.overlay(ctx, doc, selected, report, "透かし", func(_, _ int, p codec.Page) error {
				box, err := placeOnPage(pos, content, p, margin)
				if err != nil {
					return err
				}
				p.DrawText(text, toRect(box), style)
				return nil
			})
		}

		img, err := s.embedImage(opts.Image)
		if err != nil {
			return nil, nil, err
		}
		scale := positiveOr(opts.Scale, 1)
		w, h := img.Size()
		content := placement.Size{W: w * scale, H: h * scale}
		style := codec.ImageStyle{Opacity: alpha, Rotation: rotation}
		return s.overlay(ctx, doc, selected, report, "透かし", func(_, _ int, p codec.Page) error {
			box, err := placeOnPage(pos, content, p, margin)
			if err != nil {
				return err
			}
			p.DrawImage(img, toRect(box), style)
			return nil
		})
	})
}

// HeaderFooter は選択ページの上端・下端にテキストを描画します。
func (s *Service) HeaderFooter(ctx context.Context, src []byte, opts HeaderFooterOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationHeaderFooter, report, func(report progress.Reporter) ([]byte, any, error) {
		if strings.TrimSpace(opts.Header) == "" && strings.TrimSpace(opts.Footer) == "" {
			return nil, nil, newError(CodeInvalidInput, "ヘッダーまたはフッターのテキストを指定してください。", nil)
		}
		color, err := parseColor(opts.Color, codec.Black)
		if err != nil {
			return nil, nil, err
		}
		align := placement.ParseAlign(opts.Align)
		size := positiveOr(opts.FontSize, defaultHeaderFontSize)
		margin := valueOr(opts.Margin, defaultOverlayMargin)
		style := codec.TextStyle{Font: codec.FontHelvetica, Size: size, Color: color, Opacity: 1}

		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		n := doc.PageCount()
		selected, err := overlayPages(opts.Pages, n, opts.SkipFirst)
		if err != nil {
			return nil, nil, err
		}

		bands := []struct {
			band placement.Band
			text string
		}{
			{placement.Header, strings.TrimSpace(opts.Header)},
			{placement.Footer, strings.TrimSpace(opts.Footer)},
		}
		return s.overlay(ctx, doc, selected, report, "ヘッダー/フッター", func(_, idx int, p codec.Page) error {
			w, h := p.Size()
			for _, b := range bands {
				if b.text == "" {
					continue
				}
				text := strings.NewReplacer("{page}", strconv.Itoa(idx+1), "{total}", strconv.Itoa(n)).Replace(b.text)
				content := placement.Size{W: s.codec.MeasureText(codec.FontHelvetica, text, size), H: size}
				pt := placement.HeaderFooter(b.band, align, content, placement.Size{W: w, H: h}, margin)
				p.DrawText(text, codec.Rect{X: pt.X, Y: pt.Y, Width: content.W, Height: content.H}, style)
			}
			return nil
		})
	})
}

// PageNumbers は選択ページにページ番号を描画します。
func (s *Service) PageNumbers(ctx context.Context, src []byte, opts PageNumbersOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationPageNumbers, report, func(report progress.Reporter) ([]byte, any, error) {
		format := opts.Format
		if strings.TrimSpace(format) == "" {
			format = "{n}"
		}
		start := opts.Start
		if start <= 0 {
			start = 1
		}
		pos := placement.BottomCenter
		if opts.Position != "" {
			var ok bool
			if pos, ok = placement.ParsePosition(opts.Position); !ok {
				return nil, nil, newError(CodeInvalidInput, fmt.Sprintf("配置位置 %q は指定できません。", opts.Position), nil)
			}
		}
		color, err := parseColor(opts.Color, codec.Black)
		if err != nil {
			return nil, nil, err
		}
		size := positiveOr(opts.FontSize, defaultNumberFontSize)
		margin := valueOr(opts.Margin, defaultOverlayMargin)
		style := codec.TextStyle{Font: codec.FontHelvetica, Size: size, Color: color, Opacity: 1}

		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		selected, err := overlayPages(opts.Pages, doc.PageCount(), opts.SkipFirst)
		if err != nil {
			return nil, nil, err
		}
		total := strconv.Itoa(start + len(selected) - 1)

		return s.overlay(ctx, doc, selected, report, "ページ番号", func(ordinal, _ int, p codec.Page) error {
			text := strings.NewReplacer("{n}", strconv.Itoa(start+ordinal), "{total}", total).Replace(format)
			content := placement.Size{W: s.codec.MeasureText(codec.FontHelvetica, text, size), H: size}
			box, err := placeOnPage(pos, content, p, margin)
			if err != nil {
				return err
			}
			p.DrawText(text, toRect(box), style)
			return nil
		})
	})
}

// Sign は署名画像を Width に合わせて縦横比を保ったまま配置します。
func (s *Service) Sign(ctx context.Context, src []byte, opts SignOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationSign, report, func(report progress.Reporter) ([]byte, any, error) {
		if len(opts.Image) == 0 {
			return nil, nil, newError(CodeInvalidInput, "署名画像を指定してください。", nil)
		}
		pos := placement.BottomRight
		if opts.Position != "" {
			var ok bool
			if pos, ok = placement.ParsePosition(opts.Position); !ok {
				return nil, nil, newError(CodeInvalidInput, fmt.Sprintf("配置位置 %q は指定できません。", opts.Position), nil)
			}
		}
		alpha, err := parseOpacity(opts.Opacity, 1)
		if err != nil {
			return nil, nil, err
		}
		margin := valueOr(opts.Margin, defaultOverlayMargin)
		width := positiveOr(opts.Width, defaultSignatureWidth)

		img, err := s.embedImage(opts.Image)
		if err != nil {
			return nil, nil, err
		}
		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		n := doc.PageCount()
		selected := []int{n - 1}
		if strings.TrimSpace(opts.Pages) != "" {
			if selected, err = overlayPages(opts.Pages, n, false); err != nil {
				return nil, nil, err
			}
		}

		iw, ih := img.Size()
		content := placement.Size{W: width, H: width * ih / iw}
		style := codec.ImageStyle{Opacity: alpha, Rotation: placement.RotationFor(pos, nil)}
		return s.overlay(ctx, doc, selected, report, "署名", func(_, _ int, p codec.Page) error {
			box, err := placeOnPage(pos, content, p, margin)
			if err != nil {
				return err
			}
			p.DrawImage(img, toRect(box), style)
			return nil
		})
	})
}

// placeOnPage はページの可視領域を基準に配置を計算します。
func placeOnPage(pos placement.Position, content placement.Size, p codec.Page, margin float64) (placement.Box, error) {
	if content.W <= 0 || content.H <= 0 {
		return placement.Box{}, newError(CodeInvalidGeometry, "描画する内容の大きさが不正です。", nil)
	}
	w, h := p.Size()
	return placement.BoxAt(pos, content, placement.Size{W: w, H: h}, margin), nil
}

// embedImage は画像の形式を判定して文書に埋め込みます。PNG と JPEG のみ対応します。
func (s *Service) embedImage(data []byte) (codec.Image, error) {
	var kind codec.ImageKind
	switch mtype := mimetype.Detect(data); {
	case mtype.Is("image/png"):
		kind = codec.ImagePNG
	case mtype.Is("image/jpeg"):
		kind = codec.ImageJPEG
	default:
		return nil, newError(CodeUnsupportedFile, "画像はPNGまたはJPEG形式で指定してください。", nil)
	}
	img, err := s.codec.EmbedImage(data, kind)
	if err != nil {
		return nil, newError(CodeUnsupportedFile, "画像を読み込めませんでした。", err)
	}
	if w, h := img.Size(); w <= 0 || h <= 0 {
		return nil, newError(CodeInvalidGeometry, "画像の大きさが不正です。", nil)
	}
	return img, nil
}

func parseOpacity(v *float64, fallback float64) (float64, error) {
	if v == nil {
		return fallback, nil
	}
	if *v < 0 || *v > 1 {
		return 0, newError(CodeInvalidInput, "不透明度は0から1の範囲で指定してください。", nil)
	}
	return *v, nil
}

// parseColor は "#rrggbb" 形式の色を読み取ります。
func parseColor(s string, fallback codec.Color) (codec.Color, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}
	hex := strings.TrimPrefix(s, "#")
	v, err := strconv.ParseUint(hex, 16, 32)
	if len(hex) != 6 || err != nil {
		return codec.Color{}, newError(CodeInvalidInput, fmt.Sprintf("色 %q は #rrggbb 形式で指定してください。", s), err)
	}
	return codec.Color{
		R: float64(v>>16&0xff) / 255,
		G: float64(v>>8&0xff) / 255,
		B: float64(v&0xff) / 255,
	}, nil
}

func valueOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

func positiveOr(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return v
}
