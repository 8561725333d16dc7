package raster

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/yourusername/paperkit/internal/dispatch"
)

func noisyImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	seed := uint32(7)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			seed = seed*1664525 + 1013904223
			img.Set(x, y, color.RGBA{R: uint8(seed >> 24), G: uint8(x), B: uint8(y), A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestPresetSettingsAreOrdered(t *testing.T) {
	prev := Setting{Quality: 101, DPI: 1000}
	for _, p := range Presets {
		s, ok := p.Setting()
		if !ok {
			t.Fatalf("preset %s has no setting", p)
		}
		if s.Quality >= prev.Quality || s.DPI >= prev.DPI {
			t.Fatalf("preset %s (%+v) is not stronger than previous (%+v)", p, s, prev)
		}
		prev = s
	}
	if s, _ := PresetStandard.Setting(); s.Quality != 70 || s.DPI != 120 {
		t.Fatalf("standard = %+v", s)
	}
}

func TestParsePreset(t *testing.T) {
	if p, err := ParsePreset("", PresetStandard); err != nil || p != PresetStandard {
		t.Fatalf("empty preset: %v %v", p, err)
	}
	if p, err := ParsePreset(" HIGH ", PresetStandard); err != nil || p != PresetHigh {
		t.Fatalf("HIGH: %v %v", p, err)
	}
	if _, err := ParsePreset("ultra", PresetStandard); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}

func TestScaleShrinksOnly(t *testing.T) {
	img := noisyImage(300, 150)
	if got := Scale(img, 1.5); got != image.Image(img) {
		t.Fatal("Scale must not enlarge")
	}
	scaled := Scale(img, 0.48)
	if b := scaled.Bounds(); b.Dx() != 144 || b.Dy() != 72 {
		t.Fatalf("scaled bounds = %v", b)
	}
}

func TestEncodeJPEGGray(t *testing.T) {
	data, err := EncodeJPEG(noisyImage(32, 32), 80, true)
	if err != nil {
		t.Fatalf("EncodeJPEG: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("jpeg.Decode: %v", err)
	}
	if _, ok := img.(*image.Gray); !ok {
		t.Fatalf("expected grayscale jpeg, got %T", img)
	}
}

func TestDecodeImageRejectsUnknown(t *testing.T) {
	if _, _, err := DecodeImage([]byte("%PDF-1.7 not an image")); err == nil {
		t.Fatal("expected ErrUnsupportedImage")
	}
}

func TestReencodeImageScalesByDPI(t *testing.T) {
	out, err := ReencodeImage(pngBytes(t, noisyImage(300, 200)), Setting{Quality: 50, DPI: 75}, false)
	if err != nil {
		t.Fatalf("ReencodeImage: %v", err)
	}
	if out.Width != 150 || out.Height != 100 {
		t.Fatalf("size = %dx%d, want 150x100", out.Width, out.Height)
	}
	if out.SourceFormat != "png" {
		t.Fatalf("source format = %s", out.SourceFormat)
	}
}

func TestBitmapRoundTrip(t *testing.T) {
	src := noisyImage(5, 3)
	bm := NewBitmap(src)
	img, err := bm.Image()
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if img.At(4, 2) != src.At(4, 2) {
		t.Fatal("pixel mismatch")
	}
	if _, err := (Bitmap{Width: 2, Height: 2, Pix: make([]byte, 3)}).Image(); err == nil {
		t.Fatal("expected malformed bitmap error")
	}
}

func TestEncoderThroughDispatcher(t *testing.T) {
	d := dispatch.New(Handlers(), dispatch.Options{Family: Family, Concurrency: 2})
	t.Cleanup(d.Close)
	enc := Encoder{Dispatcher: d}

	page, err := enc.EncodePage(context.Background(), noisyImage(40, 20), 60, false)
	if err != nil {
		t.Fatalf("EncodePage: %v", err)
	}
	if page.Width != 40 || page.Height != 20 || len(page.JPEG) == 0 {
		t.Fatalf("unexpected page: %dx%d %d bytes", page.Width, page.Height, len(page.JPEG))
	}

	out, err := enc.ReencodeImage(context.Background(), pngBytes(t, noisyImage(60, 60)), Setting{Quality: 40, DPI: 150}, true, nil)
	if err != nil {
		t.Fatalf("ReencodeImage: %v", err)
	}
	if out.Width != 60 {
		t.Fatalf("width = %d", out.Width)
	}

	_, err = enc.ReencodeImage(context.Background(), []byte("garbage"), Setting{Quality: 40, DPI: 150}, false, nil)
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage for garbage input, got %v", err)
	}
}

func TestEncoderThroughDispatcherKeepsTruncatedImageAsInputError(t *testing.T) {
	d := dispatch.New(Handlers(), dispatch.Options{Family: Family, Concurrency: 1})
	t.Cleanup(d.Close)
	enc := Encoder{Dispatcher: d}

	data := pngBytes(t, noisyImage(64, 64))
	truncated := data[:len(data)/2]
	if _, ok := Sniff(truncated); !ok {
		t.Fatal("truncated png should still sniff as png")
	}
	_, err := enc.ReencodeImage(context.Background(), truncated, Setting{Quality: 40, DPI: 150}, false, nil)
	if !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage, got %v", err)
	}
	var taskErr *dispatch.TaskError
	if errors.As(err, &taskErr) {
		t.Fatalf("task error should be translated, got %#v", taskErr)
	}
}

func TestEncodeJPEGFlattensTransparencyOntoWhite(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 8; x < 16; x++ {
			src.Set(x, y, color.NRGBA{R: 200, A: 255})
		}
	}
	for _, gray := range []bool{false, true} {
		data, err := EncodeJPEG(src, 95, gray)
		if err != nil {
			t.Fatalf("EncodeJPEG: %v", err)
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("jpeg.Decode: %v", err)
		}
		r, g, b, _ := img.At(2, 8).RGBA()
		if r>>8 < 240 || g>>8 < 240 || b>>8 < 240 {
			t.Fatalf("gray=%v: transparent pixel = (%d,%d,%d), want near white", gray, r>>8, g>>8, b>>8)
		}
	}

	opaque := noisyImage(4, 4)
	if Flatten(opaque) != image.Image(opaque) {
		t.Fatal("opaque image should be returned as is")
	}
}

func TestQualityOrderingOnAverage(t *testing.T) {
	var sizes []int
	for _, p := range Presets {
		s, _ := p.Setting()
		total := 0
		for i := 0; i < 4; i++ {
			img := noisyImage(120+i*10, 90)
			out, err := ReencodeImage(pngBytes(t, img), s, false)
			if err != nil {
				t.Fatalf("ReencodeImage: %v", err)
			}
			total += len(out.Data)
		}
		sizes = append(sizes, total)
	}
	for i := 1; i < len(sizes); i++ {
		if sizes[i] > sizes[i-1] {
			t.Fatalf("preset %s produced more bytes than %s: %v", Presets[i], Presets[i-1], sizes)
		}
	}
}
