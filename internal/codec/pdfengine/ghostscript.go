package pdfengine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"strings"

	"github.com/yourusername/paperkit/internal/codec"
)

// Ghostscript は gs コマンドでページをラスター化します。
type Ghostscript struct {
	Path string
}

// NewGhostscript は実行ファイルのパスを指定して Rasterizer を作成します。
func NewGhostscript(path string) *Ghostscript {
	if strings.TrimSpace(path) == "" {
		path = "gs"
	}
	return &Ghostscript{Path: path}
}

// Open implements codec.Rasterizer. 文書は一時ファイルに一度だけ書き出され、
// 返した RasterSource の Close で削除されます。
func (g *Ghostscript) Open(ctx context.Context, data []byte) (codec.RasterSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp("", "paperkit-raster-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return &ghostscriptSource{path: g.Path, input: tmp.Name()}, nil
}

type ghostscriptSource struct {
	path  string
	input string
}

func (s *ghostscriptSource) Rasterize(ctx context.Context, pageIndex int, dpi int) (image.Image, error) {
	if pageIndex < 0 {
		return nil, fmt.Errorf("%w: page index %d", codec.ErrUnsupported, pageIndex)
	}
	if s.input == "" {
		return nil, fmt.Errorf("ghostscript: source closed")
	}
	cmd := exec.CommandContext(ctx, s.path, ghostscriptArgs(s.input, pageIndex+1, dpi)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ghostscript: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode rasterized page: %w", err)
	}
	return img, nil
}

func (s *ghostscriptSource) Close() error {
	if s.input == "" {
		return nil
	}
	err := os.Remove(s.input)
	s.input = ""
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file: %w", err)
	}
	return nil
}

func ghostscriptArgs(inputPath string, pageNr, dpi int) []string {
	return []string{
		"-q",
		"-dNOPAUSE",
		"-dBATCH",
		"-dSAFER",
		"-sDEVICE=png16m",
		fmt.Sprintf("-r%d", dpi),
		fmt.Sprintf("-dFirstPage=%d", pageNr),
		fmt.Sprintf("-dLastPage=%d", pageNr),
		"-sOutputFile=-",
		inputPath,
	}
}
