package pdf

import (
	"context"
	"fmt"
	"slices"

	"github.com/yourusername/paperkit/internal/codec"
	"github.com/yourusername/paperkit/internal/pagerange"
	"github.com/yourusername/paperkit/internal/placement"
	"github.com/yourusername/paperkit/internal/progress"
)

// DeleteOptions はページ削除のオプションです。Pages（1始まり）と Ranges の和集合を削除します。
type DeleteOptions struct {
	Pages  []int  `json:"pages,omitempty" form:"pages"`
	Ranges string `json:"ranges,omitempty" form:"ranges"`
}

// RotateOptions はページ回転のオプションです。Pages が空なら全ページが対象です。
type RotateOptions struct {
	Degrees int    `json:"degrees" form:"degrees"`
	Pages   string `json:"pages,omitempty" form:"pages"`
}

// CropOptions はトリミングのオプションです。余白はポイント単位です。
type CropOptions struct {
	Top    float64 `json:"top" form:"top"`
	Right  float64 `json:"right" form:"right"`
	Bottom float64 `json:"bottom" form:"bottom"`
	Left   float64 `json:"left" form:"left"`
	Pages  string  `json:"pages,omitempty" form:"pages"`
}

func (o CropOptions) margins() placement.Margins {
	return placement.Margins{Top: o.Top, Right: o.Right, Bottom: o.Bottom, Left: o.Left}
}

// DeletePages は指定ページを削除します。削除後に文書が空になる指定は拒否します。
// 削除は後ろのページから行い、手前のインデックスをずらさないようにします。
func (s *Service) DeletePages(ctx context.Context, src []byte, opts DeleteOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationDelete, report, func(report progress.Reporter) ([]byte, any, error) {
		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		n := doc.PageCount()

		targets := pagerange.FromPageNumbers(opts.Pages, n)
		for _, idx := range pagerange.Parse(opts.Ranges, n) {
			if !pagerange.Contains(targets, idx) {
				targets = append(targets, idx)
			}
		}
		if len(targets) == 0 {
			return nil, nil, newError(CodeNoPages, "削除するページが選択されていません。", nil)
		}
		if len(targets) >= n {
			return nil, nil, newError(CodeEmptyDocument, "すべてのページを削除することはできません。", nil)
		}

		slices.Sort(targets)
		for i := len(targets) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			done := len(targets) - 1 - i
			processing(report, done, len(targets), "%dページ目を削除しています", targets[i]+1)
			if err := doc.RemovePage(targets[i]); err != nil {
				return nil, nil, newError(CodeUnsupportedPDF, fmt.Sprintf("%dページ目の削除に失敗しました。", targets[i]+1), err)
			}
		}

		data, err := s.save(doc, report)
		if err != nil {
			return nil, nil, err
		}
		return data, PageStats{SourcePages: n, OutputPages: doc.PageCount(), Affected: pageNumbers(targets)}, nil
	})
}

// Rotate は選択ページの回転に Degrees を加えます（360 で剰余）。ページの内容や寸法は変えません。
func (s *Service) Rotate(ctx context.Context, src []byte, opts RotateOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationRotate, report, func(report progress.Reporter) ([]byte, any, error) {
		if opts.Degrees%90 != 0 {
			return nil, nil, newError(CodeInvalidInput, "回転角度は90度単位で指定してください。", nil)
		}
		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		n := doc.PageCount()
		selected := pagerange.Select(opts.Pages, n)
		if len(selected) == 0 {
			return nil, nil, newError(CodeNoPages, "回転するページが選択されていません。", nil)
		}

		for i, idx := range selected {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			processing(report, i, len(selected), "%dページ目を回転しています", idx+1)
			p := doc.Page(idx)
			p.SetRotation(normalizeRotation(p.Rotation() + opts.Degrees))
		}

		data, err := s.save(doc, report)
		if err != nil {
			return nil, nil, err
		}
		return data, PageStats{SourcePages: n, OutputPages: n, Affected: pageNumbers(selected)}, nil
	})
}

// Crop は選択ページの可視領域から上下左右の余白を差し引きます。
// 幅または高さが 0 以下になるページが1つでもあれば文書全体を拒否します。
func (s *Service) Crop(ctx context.Context, src []byte, opts CropOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationCrop, report, func(report progress.Reporter) ([]byte, any, error) {
		m := opts.margins()
		if m.Top < 0 || m.Right < 0 || m.Bottom < 0 || m.Left < 0 {
			return nil, nil, newError(CodeInvalidInput, "トリミングの余白に負の値は指定できません。", nil)
		}
		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		n := doc.PageCount()
		selected := pagerange.Select(opts.Pages, n)
		if len(selected) == 0 {
			return nil, nil, newError(CodeNoPages, "トリミングするページが選択されていません。", nil)
		}

		for i, idx := range selected {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			processing(report, i, len(selected), "%dページ目をトリミングしています", idx+1)
			p := doc.Page(idx)
			cropped := fromRect(p.Box()).Inset(m)
			if cropped.Width <= 0 || cropped.Height <= 0 {
				return nil, nil, newError(CodeInvalidGeometry,
					fmt.Sprintf("%dページ目: 余白がページの大きさを超えています。", idx+1), nil)
			}
			p.SetBox(toRect(cropped))
		}

		data, err := s.save(doc, report)
		if err != nil {
			return nil, nil, err
		}
		return data, PageStats{SourcePages: n, OutputPages: n, Affected: pageNumbers(selected)}, nil
	})
}

func fromRect(r codec.Rect) placement.Box {
	return placement.Box{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
}

func toRect(b placement.Box) codec.Rect {
	return codec.Rect{X: b.X, Y: b.Y, Width: b.Width, Height: b.Height}
}
