package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedImage は対応していない画像形式に返されます。
var ErrUnsupportedImage = errors.New("raster: unsupported image format")

// unsupportedImageCode はワーカー越しに ErrUnsupportedImage を識別するコードです。
const unsupportedImageCode = "unsupported-image"

// imageError は画像を読めなかった失敗です。dispatch.CodedError を実装します。
type imageError struct{ err error }

func (e imageError) Error() string { return e.err.Error() }
func (e imageError) Unwrap() error { return e.err }
func (e imageError) Code() string  { return unsupportedImageCode }

var supportedImages = []string{"image/png", "image/jpeg", "image/gif", "image/bmp", "image/tiff", "image/webp"}

// Bitmap はワーカーとの間で受け渡す RGBA 画素列です。
type Bitmap struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pix    []byte `json:"pix"`
}

// NewBitmap は任意の画像を RGBA に変換して Bitmap にします。
func NewBitmap(img image.Image) Bitmap {
	rgba := toRGBA(img)
	b := rgba.Bounds()
	return Bitmap{Width: b.Dx(), Height: b.Dy(), Pix: rgba.Pix}
}

// Image は Bitmap を image.Image として返します。
func (b Bitmap) Image() (*image.RGBA, error) {
	if b.Width <= 0 || b.Height <= 0 || len(b.Pix) != b.Width*b.Height*4 {
		return nil, fmt.Errorf("raster: malformed bitmap %dx%d (%d bytes)", b.Width, b.Height, len(b.Pix))
	}
	return &image.RGBA{Pix: b.Pix, Stride: b.Width * 4, Rect: image.Rect(0, 0, b.Width, b.Height)}, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) && rgba.Stride == rgba.Rect.Dx()*4 {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// Grayscale は輝度だけを残した画像を返します。
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// Scale は CatmullRom 補間で画像を factor 倍にします。1 以上なら元の画像をそのまま返します。
func Scale(img image.Image, factor float64) image.Image {
	if factor >= 1 || factor <= 0 {
		return img
	}
	b := img.Bounds()
	w := max(1, int(math.Round(float64(b.Dx())*factor)))
	h := max(1, int(math.Round(float64(b.Dy())*factor)))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

// Flatten は透過部分を白地に合成します。不透明な画像はそのまま返します。
func Flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// EncodeJPEG は指定品質で JPEG にします。gray が真ならグレースケールで書き出します。
// JPEG はアルファを持たないため、透過部分は白になります。
func EncodeJPEG(img image.Image, quality int, gray bool) ([]byte, error) {
	img = Flatten(img)
	if gray {
		img = Grayscale(img)
	}
	quality = min(max(quality, 1), 100)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Sniff は data の MIME タイプを判定し、再エンコードできる画像かどうかを返します。
func Sniff(data []byte) (string, bool) {
	mt := mimetype.Detect(data)
	return mt.String(), mimetype.EqualsAny(mt.String(), supportedImages...)
}

// DecodeImage は形式を判定してから画像をデコードします。
func DecodeImage(data []byte) (image.Image, string, error) {
	if mt, ok := Sniff(data); !ok {
		return nil, "", imageError{fmt.Errorf("%w: %s", ErrUnsupportedImage, mt)}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", imageError{fmt.Errorf("%w: %v", ErrUnsupportedImage, err)}
	}
	return img, format, nil
}

// Output は画像再エンコードの結果です。
type Output struct {
	Data         []byte `json:"data"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	SourceFormat string `json:"sourceFormat"`
}

// ReencodeImage は画像を Setting の倍率で縮小し、JPEG で再エンコードします。
func ReencodeImage(data []byte, s Setting, gray bool) (Output, error) {
	img, format, err := DecodeImage(data)
	if err != nil {
		return Output{}, err
	}
	scaled := Scale(img, s.Scale())
	out, err := EncodeJPEG(scaled, s.Quality, gray)
	if err != nil {
		return Output{}, err
	}
	b := scaled.Bounds()
	return Output{Data: out, Width: b.Dx(), Height: b.Dy(), SourceFormat: format}, nil
}
