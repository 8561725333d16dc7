// Package pdf は文書・画像の変換処理を提供します。
//
// 各処理は Service のメソッドで、入力バイト列とオプションを受け取り Result を返します。
// 入力のバイト列は変更しません。処理中のエラーやパニックはすべて Result{Success:false} に変換され、
// 呼び出し元へ伝播しません。
package pdf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/paperkit/internal/codec"
	"github.com/yourusername/paperkit/internal/codec/pdfengine"
	"github.com/yourusername/paperkit/internal/config"
	"github.com/yourusername/paperkit/internal/dispatch"
	"github.com/yourusername/paperkit/internal/progress"
	"github.com/yourusername/paperkit/internal/raster"
	"github.com/yourusername/paperkit/internal/storage"
)

// Service は変換処理に必要な codec・ワーカー・作業領域をまとめたコンテキストです。
// main で一度だけ構築し、各処理へ明示的に渡します。
type Service struct {
	cfg        *config.Config
	codec      codec.Codec
	rasterizer codec.Rasterizer
	encoder    raster.Encoder
	store      *storage.Local
	logger     zerolog.Logger
	now        func() time.Time
}

// Option は Service の構築オプションです。
type Option func(*Service)

// WithCodec は文書 codec を差し替えます。
func WithCodec(c codec.Codec) Option {
	return func(s *Service) { s.codec = c }
}

// WithRasterizer はページのラスター化実装を差し替えます。
func WithRasterizer(r codec.Rasterizer) Option {
	return func(s *Service) { s.rasterizer = r }
}

// WithDispatcher はラスター処理を送るワーカーを指定します。
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(s *Service) { s.encoder = raster.Encoder{Dispatcher: d} }
}

// WithStorage はジョブ用の作業領域を指定します。
func WithStorage(st *storage.Local) Option {
	return func(s *Service) { s.store = st }
}

// WithLogger はロガーを指定します。
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock は現在時刻の取得方法を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService は Service を作成します。codec を指定しない場合は pdfcpu と Ghostscript を使います。
func NewService(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Service{
		cfg:    cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.codec == nil {
		s.codec = pdfengine.New()
	}
	if s.rasterizer == nil {
		s.rasterizer = pdfengine.NewGhostscript(cfg.GhostscriptPath)
	}
	s.logger = s.logger.With().Str("component", "pdf").Logger()
	return s
}

// opFunc は run の中で実行される処理本体です。
type opFunc func(report progress.Reporter) (data []byte, stats any, err error)

// run は処理本体を実行し、エラーとパニックを Result に変換します。
func (s *Service) run(ctx context.Context, op OperationType, report progress.Reporter, fn opFunc) (res Result) {
	if ctx == nil {
		ctx = context.Background()
	}
	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("operation", string(op)).Interface("panic", r).Msg("operation panicked")
			res = s.fail(op, report, fmt.Errorf("%s panicked: %v", op, r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return s.fail(op, report, err)
	}
	progress.Report(report, progress.StageLoading, progress.LoadingStart, "読み込みを開始します")

	data, stats, err := fn(report)
	if err != nil {
		return s.fail(op, report, err)
	}

	progress.Report(report, progress.StageComplete, progress.CompletePercent, "完了しました")
	s.logger.Debug().
		Str("operation", string(op)).
		Int("bytes", len(data)).
		Dur("elapsed", s.now().Sub(started)).
		Msg("operation completed")
	return Result{Success: true, Data: data, Stats: stats}
}

func (s *Service) fail(op OperationType, report progress.Reporter, err error) Result {
	msg := userMessage(err)
	progress.Report(report, progress.StageError, 0, msg)

	var apiErr *Error
	if errors.As(err, &apiErr) {
		s.logger.Info().Str("operation", string(op)).Str("code", apiErr.Code).Err(apiErr.Err).Msg(apiErr.Message)
	} else {
		s.logger.Warn().Str("operation", string(op)).Err(err).Msg("operation failed")
	}
	return Result{Success: false, Error: msg, Err: err}
}

func userMessage(err error) string {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Message
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "処理がキャンセルされました。"
	default:
		return "処理中にエラーが発生しました。"
	}
}

// load は入力を codec で読み込み、ページ数の上限を確認します。
func (s *Service) load(data []byte) (codec.Document, error) {
	if len(data) == 0 {
		return nil, newError(CodeInvalidInput, "ファイルが空です。", nil)
	}
	doc, err := s.codec.Load(data)
	if err != nil {
		return nil, newError(CodeUnsupportedPDF, "PDFを読み込めませんでした。ファイルが破損していないか確認してください。", err)
	}
	if doc.PageCount() == 0 {
		return nil, newError(CodeUnsupportedPDF, "ページが含まれていないPDFです。", nil)
	}
	if s.cfg.MaxPages > 0 && doc.PageCount() > s.cfg.MaxPages {
		return nil, newError(CodeLimitExceeded, fmt.Sprintf("ページ数が上限（%dページ）を超えています。", s.cfg.MaxPages), nil)
	}
	return doc, nil
}

// loadSource は単一入力の読み込みを進捗付きで行います。
func (s *Service) loadSource(data []byte, report progress.Reporter) (codec.Document, error) {
	doc, err := s.load(data)
	if err != nil {
		return nil, err
	}
	progress.Report(report, progress.StageLoading, progress.LoadingEnd, fmt.Sprintf("%dページを読み込みました", doc.PageCount()))
	return doc, nil
}

// save は文書を書き出します。
func (s *Service) save(doc codec.Document, report progress.Reporter) ([]byte, error) {
	progress.Report(report, progress.StageEncoding, progress.EncodingStart, "PDFを書き出しています")
	data, err := doc.Save()
	if err != nil {
		return nil, newError(CodeUnsupportedPDF, "PDFの書き出しに失敗しました。", err)
	}
	progress.Report(report, progress.StageEncoding, progress.EncodingEnd, "書き出しが完了しました")
	return data, nil
}

func processing(report progress.Reporter, i, total int, format string, args ...any) {
	progress.Report(report, progress.StageProcessing, progress.Processing(i, total), fmt.Sprintf(format, args...))
}

func normalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}

func pageNumbers(indices []int) []int {
	out := make([]int, len(indices))
	for i, idx := range indices {
		out[i] = idx + 1
	}
	return out
}
