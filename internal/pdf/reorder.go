package pdf

import (
	"context"
	"fmt"
	"slices"

	"github.com/yourusername/paperkit/internal/progress"
)

// ReorderOptions はページ整理のオプションです。
// Order は0始まりの元ページ番号の並びで、含まれないページは削除されます。
// Rotations は元ページ番号ごとの追加回転角です。
type ReorderOptions struct {
	Order     []int       `json:"order" form:"-"`
	Rotations map[int]int `json:"rotations,omitempty" form:"-"`
}

// Reorder は並べ替え・削除・回転を1回の再構築で適用します。
func (s *Service) Reorder(ctx context.Context, src []byte, opts ReorderOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationReorder, report, func(report progress.Reporter) ([]byte, any, error) {
		if len(opts.Order) == 0 {
			return nil, nil, newError(CodeNoPages, "ページの順序を指定してください。", nil)
		}
		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		n := doc.PageCount()
		if err := validateOrder(opts.Order, n); err != nil {
			return nil, nil, err
		}
		for idx, deg := range opts.Rotations {
			if idx < 0 || idx >= n {
				return nil, nil, newError(CodeInvalidInput, "rotationsに不正なページ番号が含まれています。", nil)
			}
			if deg%90 != 0 {
				return nil, nil, newError(CodeInvalidInput, "回転角度は90度単位で指定してください。", nil)
			}
		}

		out := s.codec.New()
		out.SetInfo(inheritInfo(doc.Info()))
		stats := ReorderStats{SourcePages: n, Order: pageNumbers(opts.Order)}
		for i, idx := range opts.Order {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			processing(report, i, len(opts.Order), "%dページ目を配置しています", idx+1)
			if err := out.AppendPages(doc, []int{idx}); err != nil {
				return nil, nil, newError(CodeUnsupportedPDF, fmt.Sprintf("%dページ目の複製に失敗しました。", idx+1), err)
			}
			if deg := normalizeRotation(opts.Rotations[idx]); deg != 0 {
				p := out.Page(i)
				p.SetRotation(normalizeRotation(p.Rotation() + deg))
				stats.Rotated++
			}
		}

		stats.Dropped = []int{}
		for idx := range n {
			if !slices.Contains(opts.Order, idx) {
				stats.Dropped = append(stats.Dropped, idx+1)
			}
		}

		data, err := s.save(out, report)
		if err != nil {
			return nil, nil, err
		}
		return data, stats, nil
	})
}

// validateOrder は order が範囲内で重複のない並びであることを確認します。
// 長さがページ数より短い場合は、含まれないページの削除として扱います。
func validateOrder(order []int, pageCount int) error {
	seen := make([]bool, pageCount)
	for _, idx := range order {
		if idx < 0 || idx >= pageCount {
			return newError(CodeInvalidInput, "order配列に不正なページ番号が含まれています。", nil)
		}
		if seen[idx] {
			return newError(CodeInvalidInput, "order配列に重複した番号が含まれています。", nil)
		}
		seen[idx] = true
	}
	return nil
}
