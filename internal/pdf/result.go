package pdf

import (
	"sync"

	"github.com/yourusername/paperkit/internal/codec"
	"github.com/yourusername/paperkit/internal/raster"
)

// OperationType は変換処理の種別を表します。
type OperationType string

const (
	OperationMerge          OperationType = "merge"
	OperationExtract        OperationType = "extract"
	OperationSplit          OperationType = "split"
	OperationDelete         OperationType = "delete"
	OperationRotate         OperationType = "rotate"
	OperationCrop           OperationType = "crop"
	OperationReorder        OperationType = "reorder"
	OperationWatermark      OperationType = "watermark"
	OperationHeaderFooter   OperationType = "header-footer"
	OperationPageNumbers    OperationType = "page-numbers"
	OperationSign           OperationType = "sign"
	OperationCompress       OperationType = "compress"
	OperationGrayscale      OperationType = "grayscale"
	OperationMetadata       OperationType = "metadata"
	OperationFlatten        OperationType = "flatten"
	OperationImageCompress  OperationType = "image-compress"
	OperationImageGrayscale OperationType = "image-grayscale"
	OperationInspect        OperationType = "inspect"
)

// ResultKind は生成される成果物の種別を表します。
type ResultKind string

const (
	ResultKindPDF  ResultKind = "pdf"
	ResultKindZIP  ResultKind = "zip"
	ResultKindJPEG ResultKind = "jpeg"
)

// Result は1回の変換処理の結果です。失敗時の Data は常に nil です。
type Result struct {
	Success bool   `json:"success"`
	Data    []byte `json:"-"`
	Stats   any    `json:"stats,omitempty"`
	Error   string `json:"error,omitempty"`
	Err     error  `json:"-"`
}

// JobResult はジョブとして実行した変換処理の成果物を表します。
type JobResult struct {
	JobID          string        `json:"jobId"`
	Operation      OperationType `json:"operation"`
	OutputPath     string        `json:"outputPath"`
	OutputFilename string        `json:"outputFilename"`
	OutputSize     int64         `json:"outputSize"`
	ResultKind     ResultKind    `json:"resultKind"`
	Meta           any           `json:"meta,omitempty"`

	cleanup     func() error
	cleanupOnce sync.Once
	cleanupErr  error
}

// Cleanup は作業ディレクトリを削除します。
func (r *JobResult) Cleanup() error {
	if r == nil || r.cleanup == nil {
		return nil
	}
	r.cleanupOnce.Do(func() {
		r.cleanupErr = r.cleanup()
	})
	return r.cleanupErr
}

// SourceFileMeta は入力ファイルの情報です。
type SourceFileMeta struct {
	Name  string `json:"name,omitempty"`
	Size  int64  `json:"size"`
	Pages int    `json:"pages"`
}

// MergeStats は結合処理の統計です。
type MergeStats struct {
	TotalPages  int   `json:"totalPages"`
	SourcePages []int `json:"sourcePages"`
}

// PageStats はページを選んで処理する操作に共通の統計です。
type PageStats struct {
	SourcePages int   `json:"sourcePages"`
	OutputPages int   `json:"outputPages"`
	Affected    []int `json:"affected"` // 1始まり
}

// SplitPart は分割で生成された各PDFの情報です。
type SplitPart struct {
	Filename string `json:"filename"`
	Ranges   string `json:"ranges"`
	Pages    int    `json:"pages"`
	Size     int64  `json:"size"`
}

// SplitStats は分割処理の統計です。
type SplitStats struct {
	SourcePages int         `json:"sourcePages"`
	Parts       []SplitPart `json:"parts"`
}

// ReorderStats はページ整理の統計です。
type ReorderStats struct {
	SourcePages int   `json:"sourcePages"`
	Order       []int `json:"order"`
	Dropped     []int `json:"dropped"`
	Rotated     int   `json:"rotated"`
}

// OverlayStats は透かし・ページ番号など重ね描き処理の統計です。
type OverlayStats struct {
	SourcePages int   `json:"sourcePages"`
	Drawn       []int `json:"drawn"` // 1始まり
}

// CompressStats はラスター化による圧縮の統計です。
type CompressStats struct {
	Preset       raster.Preset `json:"preset"`
	Quality      int           `json:"quality"`
	DPI          int           `json:"dpi"`
	Grayscale    bool          `json:"grayscale"`
	Pages        int           `json:"pages"`
	OriginalSize int64         `json:"originalSize"`
	OutputSize   int64         `json:"outputSize"`
	SavedBytes   int64         `json:"savedBytes"`
	SavedPercent float64       `json:"savedPercent"`
	RasterOnly   bool          `json:"rasterOnly"`
	Warning      string        `json:"warning"`
}

// ImageStats は画像の再エンコード結果です。
type ImageStats struct {
	Preset       raster.Preset `json:"preset"`
	SourceFormat string        `json:"sourceFormat"`
	Width        int           `json:"width"`
	Height       int           `json:"height"`
	OriginalSize int64         `json:"originalSize"`
	OutputSize   int64         `json:"outputSize"`
	Grayscale    bool          `json:"grayscale"`
}

// FlattenStats は注釈除去の統計です。
type FlattenStats struct {
	SourcePages int `json:"sourcePages"`
	Annotations int `json:"annotations"`
	Pages       int `json:"pages"`
}

// PageInfo は1ページの寸法と回転です。
type PageInfo struct {
	Number   int     `json:"number"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation int     `json:"rotation"`
}

// InspectResult は文書の概要です。
type InspectResult struct {
	Pages    int        `json:"pages"`
	Size     int64      `json:"size"`
	PageInfo []PageInfo `json:"pageInfo"`
	Metadata codec.Info `json:"metadata"`
}

func computeSavedPercent(before, after int64) float64 {
	if before == 0 {
		return 0
	}
	return float64(before-after) / float64(before) * 100
}
