// Package codec は文書・ラスター処理で利用する外部ライブラリの最小インターフェースを定義します。
//
// 操作側（internal/pdf）はこのパッケージの型だけに依存し、実装は
// codec/pdfengine（pdfcpu + Ghostscript）とテスト用の codec/codectest が提供します。
// Document と Page はゴルーチン間で共有できません。
package codec

import (
	"context"
	"errors"
	"image"
	"time"
)

// ErrUnsupported は実装が対応していない入力を受け取ったときに返されます。
var ErrUnsupported = errors.New("codec: unsupported input")

// ImageKind は埋め込み画像の形式です。
type ImageKind string

const (
	ImagePNG  ImageKind = "png"
	ImageJPEG ImageKind = "jpeg"
)

// Font は描画に使う書体名です。標準14書体のうち Helvetica のみを扱います。
type Font string

const FontHelvetica Font = "Helvetica"

// Color は 0..1 の RGB 値です。
type Color struct {
	R, G, B float64
}

var Black = Color{}

// Rect はページ座標（左下原点、y 上向き、単位はポイント）上の矩形です。
type Rect struct {
	X, Y, Width, Height float64
}

// TextStyle はテキスト描画の書式です。Rotation は度、反時計回り。
type TextStyle struct {
	Font     Font
	Size     float64
	Color    Color
	Opacity  float64
	Rotation float64
}

// ImageStyle は画像描画の書式です。
type ImageStyle struct {
	Opacity  float64
	Rotation float64
}

// Info は文書情報辞書の固定フィールドです。
type Info struct {
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	Subject      string    `json:"subject"`
	Keywords     string    `json:"keywords"`
	Creator      string    `json:"creator"`
	Producer     string    `json:"producer"`
	CreationDate time.Time `json:"creationDate,omitzero"`
	ModDate      time.Time `json:"modDate,omitzero"`
}

// Image は文書へ埋め込み済み（または埋め込み可能）な画像ハンドルです。
type Image interface {
	Kind() ImageKind
	// Size は画像の自然な大きさ（ピクセル）です。
	Size() (w, h float64)
}

// Page は文書内の1ページです。
type Page interface {
	// Size は可視ボックス（回転前）の大きさです。
	Size() (w, h float64)
	Box() Rect
	SetBox(r Rect)
	Rotation() int
	SetRotation(degrees int)
	DrawText(text string, box Rect, style TextStyle)
	DrawImage(img Image, box Rect, style ImageStyle)
	// StripAnnotations はページの注釈（フォームウィジェットを含む）を取り除きます。
	StripAnnotations() int
}

// Document は読み込み済み、または新規作成した文書です。
type Document interface {
	PageCount() int
	Page(i int) Page
	// AppendPages は src の indices（0始まり）のページをこの順で末尾へ複製します。
	AppendPages(src Document, indices []int) error
	RemovePage(i int) error
	// AppendImagePage は画像1枚だけを全面に配置したページを追加します。
	AppendImagePage(img Image, w, h float64) error
	Info() Info
	SetInfo(info Info)
	Save() ([]byte, error)
}

// Codec は文書の読み込みと生成を担います。
type Codec interface {
	Load(data []byte) (Document, error)
	New() Document
	EmbedImage(data []byte, kind ImageKind) (Image, error)
	MeasureText(font Font, text string, size float64) float64
}

// Rasterizer は文書を開き、ページをビットマップに変換する RasterSource を返します。
type Rasterizer interface {
	Open(ctx context.Context, data []byte) (RasterSource, error)
}

// RasterSource は開いた1文書のページをビットマップに変換します。
// 使い終わったら Close で一時資源を解放します。
type RasterSource interface {
	Rasterize(ctx context.Context, pageIndex int, dpi int) (image.Image, error)
	Close() error
}
