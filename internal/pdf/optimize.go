package pdf

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yourusername/paperkit/internal/codec"
	"github.com/yourusername/paperkit/internal/progress"
	"github.com/yourusername/paperkit/internal/raster"
)

const lossyWarning = "すべてのページを画像に変換したため、テキストの選択や検索はできなくなります。"

// CompressOptions はラスター化による圧縮のオプションです。
// 出力は画像のみのPDFになるため AcceptLossy の明示が必要です。
type CompressOptions struct {
	Preset      string `json:"preset,omitempty" form:"preset"`
	AcceptLossy bool   `json:"acceptLossy" form:"acceptLossy"`
}

// ImageOptions は画像の再エンコードのオプションです。
type ImageOptions struct {
	Preset string `json:"preset,omitempty" form:"preset"`
}

// Compress は全ページをプリセットの解像度・品質で JPEG 化し直します。
func (s *Service) Compress(ctx context.Context, src []byte, opts CompressOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationCompress, report, func(report progress.Reporter) ([]byte, any, error) {
		return s.rasterizeDocument(ctx, src, opts, false, report)
	})
}

// Grayscale は Compress と同じ処理をグレースケールで行います。
func (s *Service) Grayscale(ctx context.Context, src []byte, opts CompressOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationGrayscale, report, func(report progress.Reporter) ([]byte, any, error) {
		return s.rasterizeDocument(ctx, src, opts, true, report)
	})
}

func (s *Service) rasterizeDocument(ctx context.Context, src []byte, opts CompressOptions, gray bool, report progress.Reporter) ([]byte, any, error) {
	if !opts.AcceptLossy {
		return nil, nil, newError(CodeLossyNotAllowed, "この処理はページを画像に変換するため、テキストが選択できなくなります。acceptLossy を指定して同意してください。", nil)
	}
	preset, setting, err := s.resolvePreset(opts.Preset)
	if err != nil {
		return nil, nil, err
	}

	doc, err := s.loadSource(src, report)
	if err != nil {
		return nil, nil, err
	}
	n := doc.PageCount()

	rs, err := s.rasterizer.Open(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, newError(CodeResource, "画像化の準備に失敗しました。", err)
	}
	defer func() {
		if err := rs.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close raster source")
		}
	}()

	out := s.codec.New()
	out.SetInfo(inheritInfo(doc.Info()))
	for i := range n {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		processing(report, i, n, "%d/%dページ目を画像に変換しています", i+1, n)
		if err := s.rasterizePage(ctx, rs, doc.Page(i), i, setting, gray, out); err != nil {
			return nil, nil, err
		}
	}

	data, err := s.save(out, report)
	if err != nil {
		return nil, nil, err
	}
	original, size := int64(len(src)), int64(len(data))
	return data, CompressStats{
		Preset:       preset,
		Quality:      setting.Quality,
		DPI:          setting.DPI,
		Grayscale:    gray,
		Pages:        n,
		OriginalSize: original,
		OutputSize:   size,
		SavedBytes:   original - size,
		SavedPercent: computeSavedPercent(original, size),
		RasterOnly:   true,
		Warning:      lossyWarning,
	}, nil
}

// rasterizePage は1ページを画像化して out の末尾へ追加します。
// デコード済みの画素はこの関数を抜けた時点で参照されなくなります。
func (s *Service) rasterizePage(ctx context.Context, rs codec.RasterSource, p codec.Page, idx int, setting raster.Setting, gray bool, out codec.Document) error {
	bitmap, err := rs.Rasterize(ctx, idx, setting.DPI)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newError(CodeResource, fmt.Sprintf("%dページ目の画像化に失敗しました。", idx+1), err)
	}
	encoded, err := s.encoder.EncodePage(ctx, bitmap, setting.Quality, gray)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return newError(CodeResource, fmt.Sprintf("%dページ目の画像エンコードに失敗しました。", idx+1), err)
	}
	img, err := s.codec.EmbedImage(encoded.JPEG, codec.ImageJPEG)
	if err != nil {
		return newError(CodeUnsupportedPDF, fmt.Sprintf("%dページ目の画像埋め込みに失敗しました。", idx+1), err)
	}

	// 画像は回転を反映して描画されるため、横向きのページは幅と高さを入れ替える
	w, h := p.Size()
	if r := p.Rotation(); r == 90 || r == 270 {
		w, h = h, w
	}
	if err := out.AppendImagePage(img, w, h); err != nil {
		return newError(CodeUnsupportedPDF, fmt.Sprintf("%dページ目の追加に失敗しました。", idx+1), err)
	}
	return nil
}

// CompressImage はラスター画像を縮小して JPEG に再エンコードします。
func (s *Service) CompressImage(ctx context.Context, src []byte, opts ImageOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationImageCompress, report, func(report progress.Reporter) ([]byte, any, error) {
		return s.reencodeImage(ctx, src, opts, false, report)
	})
}

// GrayscaleImage はラスター画像をグレースケールの JPEG に再エンコードします。
func (s *Service) GrayscaleImage(ctx context.Context, src []byte, opts ImageOptions, report progress.Reporter) Result {
	return s.run(ctx, OperationImageGrayscale, report, func(report progress.Reporter) ([]byte, any, error) {
		return s.reencodeImage(ctx, src, opts, true, report)
	})
}

func (s *Service) reencodeImage(ctx context.Context, src []byte, opts ImageOptions, gray bool, report progress.Reporter) ([]byte, any, error) {
	if len(src) == 0 {
		return nil, nil, newError(CodeInvalidInput, "ファイルが空です。", nil)
	}
	if mt, ok := raster.Sniff(src); !ok {
		return nil, nil, newError(CodeUnsupportedFile, fmt.Sprintf("対応していない画像形式です（%s）。", mt), nil)
	}
	preset, setting, err := s.resolvePreset(opts.Preset)
	if err != nil {
		return nil, nil, err
	}
	progress.Report(report, progress.StageLoading, progress.LoadingEnd, "画像を読み込みました")

	out, err := s.encoder.ReencodeImage(ctx, src, setting, gray, report)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		if errors.Is(err, raster.ErrUnsupportedImage) {
			return nil, nil, newError(CodeUnsupportedFile, "画像を読み込めませんでした。", err)
		}
		return nil, nil, newError(CodeResource, "画像の再エンコードに失敗しました。", err)
	}
	progress.Report(report, progress.StageEncoding, progress.EncodingEnd, "書き出しが完了しました")

	return out.Data, ImageStats{
		Preset:       preset,
		SourceFormat: out.SourceFormat,
		Width:        out.Width,
		Height:       out.Height,
		OriginalSize: int64(len(src)),
		OutputSize:   int64(len(out.Data)),
		Grayscale:    gray,
	}, nil
}

func (s *Service) resolvePreset(name string) (raster.Preset, raster.Setting, error) {
	fallback := raster.Preset(strings.ToLower(s.cfg.DefaultPreset))
	if _, ok := fallback.Setting(); !ok {
		fallback = raster.PresetStandard
	}
	preset, err := raster.ParsePreset(name, fallback)
	if err != nil {
		return "", raster.Setting{}, newError(CodeInvalidInput, fmt.Sprintf("圧縮プリセット %q は指定できません。", name), err)
	}
	setting, _ := preset.Setting()
	return preset, setting, nil
}
