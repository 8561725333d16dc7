package raster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"

	"github.com/yourusername/paperkit/internal/dispatch"
	"github.com/yourusername/paperkit/internal/progress"
)

// Family はラスター処理用 Dispatcher のタスクファミリー名です。
const Family = "raster"

// タスク種別
const (
	KindEncodePage    = "raster.encode-page"
	KindReencodeImage = "raster.reencode-image"
)

// EncodePageRequest はページ画像の JPEG 化要求です。
type EncodePageRequest struct {
	Bitmap  Bitmap `json:"bitmap"`
	Quality int    `json:"quality"`
	Gray    bool   `json:"gray"`
}

// EncodePageResponse はページ画像の JPEG 化結果です。
type EncodePageResponse struct {
	JPEG   []byte `json:"jpeg"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ReencodeImageRequest は画像の再エンコード要求です。
type ReencodeImageRequest struct {
	Data    []byte  `json:"data"`
	Setting Setting `json:"setting"`
	Gray    bool    `json:"gray"`
}

// Handlers はラスター処理ワーカーに登録するハンドラーを返します。
func Handlers() dispatch.Registry {
	return dispatch.Registry{
		KindEncodePage:    handleEncodePage,
		KindReencodeImage: handleReencodeImage,
	}
}

func handleEncodePage(ctx context.Context, payload json.RawMessage, report progress.Reporter) (any, error) {
	var req EncodePageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	img, err := req.Bitmap.Image()
	if err != nil {
		return nil, err
	}
	out, err := EncodeJPEG(img, req.Quality, req.Gray)
	if err != nil {
		return nil, err
	}
	return EncodePageResponse{JPEG: out, Width: req.Bitmap.Width, Height: req.Bitmap.Height}, nil
}

func handleReencodeImage(ctx context.Context, payload json.RawMessage, report progress.Reporter) (any, error) {
	var req ReencodeImageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	progress.Report(report, progress.StageProcessing, progress.LoadingEnd, "画像をデコードしています")
	out, err := ReencodeImage(req.Data, req.Setting, req.Gray)
	if err != nil {
		return nil, err
	}
	progress.Report(report, progress.StageEncoding, progress.EncodingStart, "JPEGに変換しました")
	return out, nil
}

// Encoder はラスター処理を Dispatcher 経由で実行します。
// Dispatcher が nil の場合は呼び出し元のゴルーチンでそのまま処理します。
type Encoder struct {
	Dispatcher *dispatch.Dispatcher
}

// EncodePage はページ画像を JPEG にします。
func (e Encoder) EncodePage(ctx context.Context, img image.Image, quality int, gray bool) (EncodePageResponse, error) {
	if e.Dispatcher == nil {
		out, err := EncodeJPEG(img, quality, gray)
		if err != nil {
			return EncodePageResponse{}, err
		}
		b := img.Bounds()
		return EncodePageResponse{JPEG: out, Width: b.Dx(), Height: b.Dy()}, nil
	}
	req := EncodePageRequest{Bitmap: NewBitmap(img), Quality: quality, Gray: gray}
	return dispatch.Call[EncodePageResponse](ctx, e.Dispatcher, KindEncodePage, req, nil)
}

// ReencodeImage は画像を縮小して JPEG に再エンコードします。
func (e Encoder) ReencodeImage(ctx context.Context, data []byte, s Setting, gray bool, report progress.Reporter) (Output, error) {
	if e.Dispatcher == nil {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		return ReencodeImage(data, s, gray)
	}
	req := ReencodeImageRequest{Data: data, Setting: s, Gray: gray}
	out, err := dispatch.Call[Output](ctx, e.Dispatcher, KindReencodeImage, req, report)
	return out, remoteError(err)
}

// remoteError はワーカーが付けたコードから ErrUnsupportedImage を復元します。
func remoteError(err error) error {
	var te *dispatch.TaskError
	if errors.As(err, &te) && te.Code == unsupportedImageCode {
		return fmt.Errorf("%w: %s", ErrUnsupportedImage, te.Message)
	}
	return err
}
