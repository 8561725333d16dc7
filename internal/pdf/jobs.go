package pdf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/yourusername/paperkit/internal/progress"
	"github.com/yourusername/paperkit/internal/storage"
)

// ErrUnknownOperation はジョブとして実行できない操作に返されます。
var ErrUnknownOperation = errors.New("pdf: unknown operation")

type inputKind int

const (
	inputPDF inputKind = iota
	inputImage
)

// jobInput はワークスペースから読み込んだ入力です。
type jobInput struct {
	sources [][]byte
	image   []byte
}

// jobOperation はジョブとして実行できる操作の定義です。
type jobOperation struct {
	filename   string
	kind       ResultKind
	input      inputKind
	minSources int
	maxSources int
	options    func() any
	run        func(s *Service, ctx context.Context, in jobInput, raw json.RawMessage, report progress.Reporter) Result
}

// single は単一入力の操作メソッドをジョブ定義に合わせて包みます。
func single[T any](method func(*Service, context.Context, []byte, T, progress.Reporter) Result, withImage func(*T, []byte)) func(*Service, context.Context, jobInput, json.RawMessage, progress.Reporter) Result {
	return func(s *Service, ctx context.Context, in jobInput, raw json.RawMessage, report progress.Reporter) Result {
		var opts T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &opts); err != nil {
				return s.fail("", report, newError(CodeInvalidInput, "オプションの形式が正しくありません。", err))
			}
		}
		if withImage != nil {
			withImage(&opts, in.image)
		}
		return method(s, ctx, in.sources[0], opts, report)
	}
}

func newOf[T any]() func() any {
	return func() any { return new(T) }
}

var operations = map[OperationType]jobOperation{
	OperationMerge: {
		filename: "merged.pdf", kind: ResultKindPDF, minSources: 2,
		options: newOf[struct{}](),
		run: func(s *Service, ctx context.Context, in jobInput, _ json.RawMessage, report progress.Reporter) Result {
			return s.Merge(ctx, in.sources, report)
		},
	},
	OperationExtract: {
		filename: "extracted.pdf", kind: ResultKindPDF,
		options: newOf[ExtractOptions](), run: single((*Service).Extract, nil),
	},
	OperationSplit: {
		filename: "split.zip", kind: ResultKindZIP,
		options: newOf[SplitOptions](), run: single((*Service).SplitParts, nil),
	},
	OperationDelete: {
		filename: "deleted.pdf", kind: ResultKindPDF,
		options: newOf[DeleteOptions](), run: single((*Service).DeletePages, nil),
	},
	OperationRotate: {
		filename: "rotated.pdf", kind: ResultKindPDF,
		options: newOf[RotateOptions](), run: single((*Service).Rotate, nil),
	},
	OperationCrop: {
		filename: "cropped.pdf", kind: ResultKindPDF,
		options: newOf[CropOptions](), run: single((*Service).Crop, nil),
	},
	OperationReorder: {
		filename: "reordered.pdf", kind: ResultKindPDF,
		options: newOf[ReorderOptions](), run: single((*Service).Reorder, nil),
	},
	OperationWatermark: {
		filename: "watermarked.pdf", kind: ResultKindPDF,
		options: newOf[WatermarkOptions](),
		run:     single((*Service).Watermark, func(o *WatermarkOptions, img []byte) { o.Image = img }),
	},
	OperationHeaderFooter: {
		filename: "header-footer.pdf", kind: ResultKindPDF,
		options: newOf[HeaderFooterOptions](), run: single((*Service).HeaderFooter, nil),
	},
	OperationPageNumbers: {
		filename: "numbered.pdf", kind: ResultKindPDF,
		options: newOf[PageNumbersOptions](), run: single((*Service).PageNumbers, nil),
	},
	OperationSign: {
		filename: "signed.pdf", kind: ResultKindPDF,
		options: newOf[SignOptions](),
		run:     single((*Service).Sign, func(o *SignOptions, img []byte) { o.Image = img }),
	},
	OperationCompress: {
		filename: "compressed.pdf", kind: ResultKindPDF,
		options: newOf[CompressOptions](), run: single((*Service).Compress, nil),
	},
	OperationGrayscale: {
		filename: "grayscale.pdf", kind: ResultKindPDF,
		options: newOf[CompressOptions](), run: single((*Service).Grayscale, nil),
	},
	OperationMetadata: {
		filename: "metadata.pdf", kind: ResultKindPDF,
		options: newOf[MetadataOptions](), run: single((*Service).WriteMetadata, nil),
	},
	OperationFlatten: {
		filename: "flattened.pdf", kind: ResultKindPDF,
		options: newOf[FlattenOptions](), run: single((*Service).Flatten, nil),
	},
	OperationImageCompress: {
		filename: "compressed.jpg", kind: ResultKindJPEG, input: inputImage,
		options: newOf[ImageOptions](), run: single((*Service).CompressImage, nil),
	},
	OperationImageGrayscale: {
		filename: "grayscale.jpg", kind: ResultKindJPEG, input: inputImage,
		options: newOf[ImageOptions](), run: single((*Service).GrayscaleImage, nil),
	},
}

func lookupOperation(op OperationType) (jobOperation, error) {
	def, ok := operations[op]
	if !ok {
		return jobOperation{}, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	if def.minSources == 0 {
		def.minSources = 1
	}
	if def.maxSources == 0 && def.minSources == 1 {
		def.maxSources = 1
	}
	return def, nil
}

// NewOptions は操作に対応するオプション構造体の新しいポインタを返します。
func NewOptions(op OperationType) (any, error) {
	def, err := lookupOperation(op)
	if err != nil {
		return nil, err
	}
	return def.options(), nil
}

// PrepareJob は入力ファイルをワークスペースへ保存し、マニフェストを書き出します。
func (s *Service) PrepareJob(ctx context.Context, op OperationType, uploads []Upload, options any) (*JobManifest, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.store == nil {
		return nil, errors.New("workspace storage is not configured")
	}
	def, err := lookupOperation(op)
	if err != nil {
		return nil, err
	}
	if err := checkUploads(def, uploads); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("オプションの保存に失敗しました: %w", err)
	}

	ws, err := s.store.Create()
	if err != nil {
		return nil, err
	}
	files := make([]JobFile, 0, len(uploads))
	for i, up := range uploads {
		if err := ctx.Err(); err != nil {
			_ = s.store.Remove(ws.JobID)
			return nil, err
		}
		f, err := s.storeUpload(ws, i, up, def.input)
		if err != nil {
			_ = s.store.Remove(ws.JobID)
			return nil, err
		}
		files = append(files, f)
	}

	manifest := &JobManifest{
		JobID:     ws.JobID,
		Operation: op,
		Files:     files,
		Options:   raw,
		CreatedAt: s.now().UTC(),
	}
	if err := writeManifest(ws, manifest); err != nil {
		_ = s.store.Remove(ws.JobID)
		return nil, fmt.Errorf("ジョブマニフェストの保存に失敗しました: %w", err)
	}
	s.logger.Debug().Str("job_id", ws.JobID).Str("operation", string(op)).Int("files", len(files)).Msg("job prepared")
	return manifest, nil
}

// RunJob はジョブIDに対応する処理を実行し、成果物を out/ に保存します。
// 失敗した場合はワークスペースを削除します。
func (s *Service) RunJob(ctx context.Context, jobID string, report progress.Reporter) (*JobResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.store == nil {
		return nil, errors.New("workspace storage is not configured")
	}
	ws, err := s.store.Open(jobID)
	if err != nil {
		return nil, err
	}

	result, err := s.runJob(ctx, ws, report)
	if err != nil {
		if cleanupErr := s.store.Remove(jobID); cleanupErr != nil {
			err = fmt.Errorf("%w (ワークスペースの削除にも失敗しました: %v)", err, cleanupErr)
		}
		return nil, err
	}
	s.store.Expire(jobID)
	return result, nil
}

func (s *Service) runJob(ctx context.Context, ws storage.Workspace, report progress.Reporter) (*JobResult, error) {
	manifest, err := loadManifest(ws)
	if err != nil {
		return nil, err
	}
	def, err := lookupOperation(manifest.Operation)
	if err != nil {
		return nil, err
	}
	in, err := readInputs(ws, manifest)
	if err != nil {
		return nil, err
	}
	if len(in.sources) < def.minSources {
		return nil, fmt.Errorf("manifest has %d input files, want at least %d", len(in.sources), def.minSources)
	}

	res := def.run(s, ctx, in, manifest.Options, report)
	if !res.Success {
		if res.Err != nil {
			return nil, res.Err
		}
		return nil, errors.New(res.Error)
	}

	outputPath := ws.Out(def.filename)
	if err := os.WriteFile(outputPath, res.Data, 0o640); err != nil {
		return nil, fmt.Errorf("出力ファイルの保存に失敗しました: %w", err)
	}

	sources := make([]SourceFileMeta, 0, len(manifest.Files))
	for _, f := range manifest.Files {
		if f.Role == RoleSource {
			sources = append(sources, SourceFileMeta{Name: f.OriginalName, Size: f.Size, Pages: f.Pages})
		}
	}
	meta := struct {
		Type      OperationType    `json:"type"`
		CreatedAt string           `json:"createdAt"`
		Sources   []SourceFileMeta `json:"sources"`
		Output    string           `json:"output"`
		Stats     any              `json:"stats,omitempty"`
	}{
		Type:      manifest.Operation,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
		Sources:   sources,
		Output:    def.filename,
		Stats:     res.Stats,
	}
	if err := writeJSON(ws.Path(metaFilename), meta); err != nil {
		return nil, fmt.Errorf("メタデータの保存に失敗しました: %w", err)
	}

	return &JobResult{
		JobID:          ws.JobID,
		Operation:      manifest.Operation,
		OutputPath:     outputPath,
		OutputFilename: def.filename,
		OutputSize:     int64(len(res.Data)),
		ResultKind:     def.kind,
		Meta:           res.Stats,
		cleanup:        func() error { return s.store.Remove(ws.JobID) },
	}, nil
}
