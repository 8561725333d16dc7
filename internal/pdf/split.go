package pdf

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/yourusername/paperkit/internal/pagerange"
	"github.com/yourusername/paperkit/internal/progress"
)

// ExtractOptions はページ抽出のオプションです。
type ExtractOptions struct {
	Ranges string `json:"ranges" form:"ranges"`
}

// SplitOptions は範囲ごとの分割のオプションです。カンマ区切りの各範囲が1ファイルになります。
type SplitOptions struct {
	Ranges string `json:"ranges" form:"ranges"`
}

// Extract は範囲指定で選んだページだけを昇順で新しい文書にコピーします。
func (s *Service) Extract(ctx context.Context, src []byte, opts ExtractOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationExtract, report, func(report progress.Reporter) ([]byte, any, error) {
		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		n := doc.PageCount()
		selected := pagerange.Parse(opts.Ranges, n)
		if len(selected) == 0 {
			return nil, nil, newError(CodeNoPages, "抽出するページが選択されていません。範囲指定を確認してください。", nil)
		}

		out := s.codec.New()
		out.SetInfo(inheritInfo(doc.Info()))
		for i, idx := range selected {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			processing(report, i, len(selected), "%dページ目をコピーしています", idx+1)
			if err := out.AppendPages(doc, []int{idx}); err != nil {
				return nil, nil, newError(CodeUnsupportedPDF, fmt.Sprintf("%dページ目のコピーに失敗しました。", idx+1), err)
			}
		}

		data, err := s.save(out, report)
		if err != nil {
			return nil, nil, err
		}
		return data, PageStats{SourcePages: n, OutputPages: len(selected), Affected: pageNumbers(selected)}, nil
	})
}

// SplitParts は範囲指定のカンマ区切りごとに文書を分け、ZIP にまとめて返します。
// 有効なページを含まない範囲は読み飛ばします。
func (s *Service) SplitParts(ctx context.Context, src []byte, opts SplitOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationSplit, report, func(report progress.Reporter) ([]byte, any, error) {
		doc, err := s.loadSource(src, report)
		if err != nil {
			return nil, nil, err
		}
		n := doc.PageCount()
		tokens := pagerange.Tokens(opts.Ranges)

		stats := SplitStats{SourcePages: n}
		entries := make([]zipEntry, 0, len(tokens))
		for i, token := range tokens {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			selected := pagerange.Parse(token, n)
			if len(selected) == 0 {
				continue
			}
			processing(report, i, len(tokens), "範囲 %s を生成しています", token)

			part := s.codec.New()
			part.SetInfo(inheritInfo(doc.Info()))
			if err := part.AppendPages(doc, selected); err != nil {
				return nil, nil, newError(CodeUnsupportedPDF, fmt.Sprintf("ページ範囲 %s の生成に失敗しました。", token), err)
			}
			data, err := part.Save()
			if err != nil {
				return nil, nil, newError(CodeUnsupportedPDF, fmt.Sprintf("ページ範囲 %s の書き出しに失敗しました。", token), err)
			}

			name := fmt.Sprintf("part-%02d.pdf", len(entries)+1)
			entries = append(entries, zipEntry{name: name, data: data})
			stats.Parts = append(stats.Parts, SplitPart{
				Filename: name,
				Ranges:   pagerange.Format(selected),
				Pages:    len(selected),
				Size:     int64(len(data)),
			})
		}
		if len(entries) == 0 {
			return nil, nil, newError(CodeNoPages, "有効なページ範囲が指定されていません。", nil)
		}

		progress.Report(report, progress.StageEncoding, progress.EncodingStart, "ZIPにまとめています")
		var buf bytes.Buffer
		if err := writeZip(&buf, entries, s.now()); err != nil {
			return nil, nil, err
		}
		return buf.Bytes(), stats, nil
	})
}

type zipEntry struct {
	name string
	data []byte
}

func writeZip(w io.Writer, entries []zipEntry, modified time.Time) error {
	zipWriter := zip.NewWriter(w)
	for _, e := range entries {
		header := &zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: modified,
		}
		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("zipヘッダーの書き込みに失敗しました: %w", err)
		}
		if _, err := writer.Write(e.data); err != nil {
			return fmt.Errorf("zipへの書き込みに失敗しました: %w", err)
		}
	}
	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("zipの書き出しに失敗しました: %w", err)
	}
	return nil
}
