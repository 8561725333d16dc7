package pdf

import (
	"context"
	"strings"
	"time"

	"github.com/yourusername/paperkit/internal/codec"
	"github.com/yourusername/paperkit/internal/pagerange"
	"github.com/yourusername/paperkit/internal/progress"
)

// MetadataOptions は文書情報の更新内容です。nil のフィールドは変更しません。
// 空文字を指定するとその項目を削除します。作成日時は変更できません。
type MetadataOptions struct {
	Title    *string `json:"title,omitempty" form:"title"`
	Author   *string `json:"author,omitempty" form:"author"`
	Subject  *string `json:"subject,omitempty" form:"subject"`
	Keywords *string `json:"keywords,omitempty" form:"keywords"`
	Creator  *string `json:"creator,omitempty" form:"creator"`
	Producer *string `json:"producer,omitempty" form:"producer"`
}

func (o MetadataOptions) apply(info *codec.Info) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&info.Title, o.Title)
	set(&info.Author, o.Author)
	set(&info.Subject, o.Subject)
	set(&info.Keywords, o.Keywords)
	set(&info.Creator, o.Creator)
	set(&info.Producer, o.Producer)
}

// inheritInfo は元文書の文書情報を新しい文書へ引き継ぐための値を返します。
// 更新日時は書き出し時刻に付け直させます。
func inheritInfo(info codec.Info) codec.Info {
	info.ModDate = time.Time{}
	return info
}

// FlattenOptions は注釈除去のオプションです。Pages が空なら全ページが対象です。
type FlattenOptions struct {
	Pages string `json:"pages,omitempty" form:"pages"`
}

// Inspect はページ数・各ページの寸法と回転・文書情報を返します。Data は空です。
func (s *Service) Inspect(ctx context.Context, src []byte, report progress.Reporter) Result {
	return s.run(ctx, OperationInspect, report, func(report progress.Reporter) ([]byte, any, error) {
		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		n := doc.PageCount()
		out := InspectResult{Pages: n, Size: int64(len(src)), PageInfo: make([]PageInfo, 0, n), Metadata: doc.Info()}
		for i := range n {
			p := doc.Page(i)
			w, h := p.Size()
			out.PageInfo = append(out.PageInfo, PageInfo{Number: i + 1, Width: w, Height: h, Rotation: p.Rotation()})
		}
		return nil, out, nil
	})
}

// ReadMetadata は文書情報を返します。Data は空です。
func (s *Service) ReadMetadata(ctx context.Context, src []byte, report progress.Reporter) Result {
	return s.run(ctx, OperationMetadata, report, func(report progress.Reporter) ([]byte, any, error) {
		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		return nil, doc.Info(), nil
	})
}

// WriteMetadata は文書情報を更新します。どの項目を変更した場合も更新日時は現在時刻になります。
func (s *Service) WriteMetadata(ctx context.Context, src []byte, opts MetadataOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationMetadata, report, func(report progress.Reporter) ([]byte, any, error) {
		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		processing(report, 0, 1, "文書情報を更新しています")

		info := doc.Info()
		opts.apply(&info)
		info.ModDate = s.now()
		doc.SetInfo(info)

		data, err := s.save(doc, report)
		if err != nil {
			return nil, nil, err
		}
		return data, info, nil
	})
}

// Flatten は選択ページからリンクやフォームなどの注釈を取り除きます。ページの内容は変更しません。
func (s *Service) Flatten(ctx context.Context, src []byte, opts FlattenOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationFlatten, report, func(report progress.Reporter) ([]byte, any, error) {
		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		n := doc.PageCount()
		selected := pagerange.Select(opts.Pages, n)
		if len(selected) == 0 {
			return nil, nil, newError(CodeNoPages, "対象のページが選択されていません。", nil)
		}

		stats := FlattenStats{SourcePages: n}
		for i, idx := range selected {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			processing(report, i, len(selected), "%dページ目の注釈を除去しています", idx+1)
			if removed := doc.Page(idx).StripAnnotations(); removed > 0 {
				stats.Annotations += removed
				stats.Pages++
			}
		}

		data, err := s.save(doc, report)
		if err != nil {
			return nil, nil, err
		}
		return data, stats, nil
	})
}
