package pdf

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/paperkit/internal/pagerange"
	"github.com/yourusername/paperkit/internal/progress"
)

// Merge は複数の文書を入力順に連結します。各文書内のページ順は保持します。
// 文書情報は先頭ファイルのものを引き継ぎます。
func (s *Service) Merge(ctx context.Context, sources [][]byte, report progress.Reporter) Result {
	return s.run(ctx, OperationMerge, report, func(report progress.Reporter) ([]byte, any, error) {
		if len(sources) < 2 {
			return nil, nil, newError(CodeInvalidInput, "結合するには2つ以上のPDFファイルを指定してください。", nil)
		}

		out := s.codec.New()
		stats := MergeStats{SourcePages: make([]int, 0, len(sources))}
		for i, src := range sources {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			progress.Report(report, progress.StageLoading, progress.Step(progress.LoadingStart, progress.LoadingEnd, i, len(sources)),
				fmt.Sprintf("%d/%d件目を読み込んでいます", i+1, len(sources)))

			doc, err := s.load(src)
			if err != nil {
				var apiErr *Error
				if errors.As(err, &apiErr) {
					apiErr.Message = fmt.Sprintf("%d件目: %s", i+1, apiErr.Message)
				}
				return nil, nil, err
			}
			if i == 0 {
				out.SetInfo(inheritInfo(doc.Info()))
			}

			processing(report, i, len(sources), "%d/%d件目を結合しています", i+1, len(sources))
			if err := out.AppendPages(doc, pagerange.All(doc.PageCount())); err != nil {
				return nil, nil, newError(CodeUnsupportedPDF, fmt.Sprintf("%d件目のページ複製に失敗しました。", i+1), err)
			}
			stats.SourcePages = append(stats.SourcePages, doc.PageCount())
			stats.TotalPages += doc.PageCount()
		}

		if s.cfg.MaxPages > 0 && stats.TotalPages > s.cfg.MaxPages {
			return nil, nil, newError(CodeLimitExceeded, fmt.Sprintf("結合後のページ数が上限（%dページ）を超えています。", s.cfg.MaxPages), nil)
		}

		data, err := s.save(out, report)
		if err != nil {
			return nil, nil, err
		}
		return data, stats, nil
	})
}
