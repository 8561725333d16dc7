package pdf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/paperkit/internal/progress"
)

// JobService はジョブの準備と実行を提供します。
type JobService interface {
	PrepareJob(ctx context.Context, op OperationType, uploads []Upload, options any) (*JobManifest, error)
	RunJob(ctx context.Context, jobID string, report progress.Reporter) (*JobResult, error)
	DiscardJob(jobID string) error
}

// JobScheduler はジョブを非同期キューに投入するためのインターフェースです。
type JobScheduler interface {
	Schedule(ctx context.Context, op OperationType, jobID string) error
}

// HandlerOptions は同期/非同期切り替えのための設定です。
type HandlerOptions struct {
	Scheduler           JobScheduler
	AsyncThresholdBytes int64
	AsyncThresholdPages int
	MaxFileSize         int64
}

// OperationHandler は POST /api/pdf/{op} と /api/image/{op} のハンドラーを返します。
// 閾値を超える入力はジョブとして投入して 202 を返し、それ以外はその場で処理して成果物を返します。
func OperationHandler(svc JobService, op OperationType, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "multipart/form-data でファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		uploads, err := collectUploads(form, op)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": err.Error(),
			})
			return
		}

		options, err := bindOptions(c, op)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": err.Error(),
			})
			return
		}

		manifest, err := svc.PrepareJob(c.Request.Context(), op, uploads, options)
		if err != nil {
			respondWithError(c, err)
			return
		}

		if shouldProcessAsync(manifest, opts) {
			if err := opts.Scheduler.Schedule(c.Request.Context(), manifest.Operation, manifest.JobID); err != nil {
				if cleanupErr := svc.DiscardJob(manifest.JobID); cleanupErr != nil {
					err = fmt.Errorf("%w (cleanup failed: %v)", err, cleanupErr)
				}
				respondWithError(c, err)
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"jobId": manifest.JobID})
			return
		}

		result, err := svc.RunJob(c.Request.Context(), manifest.JobID, nil)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer result.Cleanup()

		if err := streamResult(c, result, "処理結果の読み込みに失敗しました"); err != nil {
			respondWithError(c, err)
		}
	}
}

// ReadFunc はファイルを読み取って統計だけを返す処理です。
type ReadFunc func(ctx context.Context, src []byte, report progress.Reporter) Result

// ReadHandler は POST /api/pdf/inspect と /api/pdf/metadata/read のハンドラーを返します。
// 入力はメモリ上で処理し、ワークスペースは作りません。
func ReadHandler(read ReadFunc, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "multipart/form-data でPDFファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": err.Error(),
			})
			return
		}
		if opts.MaxFileSize > 0 && file.Size > opts.MaxFileSize {
			respondWithError(c, newError(CodeLimitExceeded, "ファイルサイズが上限を超えています。", nil))
			return
		}

		src, err := readFileHeader(file)
		if err != nil {
			respondWithError(c, err)
			return
		}
		res := read(c.Request.Context(), src, nil)
		if !res.Success {
			respondWithError(c, res.Err)
			return
		}
		c.JSON(http.StatusOK, res.Stats)
	}
}

func collectUploads(form *multipart.Form, op OperationType) ([]Upload, error) {
	var uploads []Upload
	if op == OperationMerge {
		files := form.File["files[]"]
		if len(files) == 0 {
			files = form.File["files"]
		}
		if len(files) == 0 {
			return nil, errors.New("アップロードされたPDFファイルが見つかりません。")
		}
		uploads = Sources(files)
	} else {
		file, err := extractSingleFile(form)
		if err != nil {
			return nil, err
		}
		uploads = Sources([]*multipart.FileHeader{file})
	}

	if op == OperationWatermark || op == OperationSign {
		if images := form.File["image"]; len(images) > 0 {
			uploads = append(uploads, Upload{Header: images[0], Role: RoleImage})
		}
	}
	return uploads, nil
}

// bindOptions は options フィールドの JSON、なければフォームの各項目からオプションを組み立てます。
func bindOptions(c *gin.Context, op OperationType) (any, error) {
	opts, err := NewOptions(op)
	if err != nil {
		return nil, err
	}

	if raw := strings.TrimSpace(c.PostForm("options")); raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(opts); err != nil {
			return nil, errors.New("options は JSON 形式で指定してください。")
		}
		return opts, nil
	}

	if err := c.ShouldBind(opts); err != nil {
		return nil, fmt.Errorf("オプションの形式が正しくありません: %v", err)
	}
	if ro, ok := opts.(*ReorderOptions); ok {
		if ro.Order, err = parseOrder(c); err != nil {
			return nil, err
		}
		if ro.Rotations, err = parseRotations(c); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

func shouldProcessAsync(manifest *JobManifest, opts HandlerOptions) bool {
	if manifest == nil || opts.Scheduler == nil {
		return false
	}
	if opts.AsyncThresholdBytes > 0 && manifest.TotalSize() > opts.AsyncThresholdBytes {
		return true
	}
	if opts.AsyncThresholdPages > 0 && manifest.TotalPages() > opts.AsyncThresholdPages {
		return true
	}
	return false
}

func parseOrder(c *gin.Context) ([]int, error) {
	raw := strings.TrimSpace(c.PostForm("order"))
	if raw != "" {
		var order []int
		if err := json.Unmarshal([]byte(raw), &order); err != nil {
			return nil, errors.New("order は JSON 形式の整数配列で指定してください。例: [0,1,2]")
		}
		return order, nil
	}

	if values := c.PostFormArray("order[]"); len(values) > 0 {
		order := make([]int, len(values))
		for i, v := range values {
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				return nil, errors.New("order[] に空の値が含まれています。")
			}
			num, err := strconv.Atoi(trimmed)
			if err != nil {
				return nil, errors.New("order[] の値は整数で指定してください。")
			}
			order[i] = num
		}
		return order, nil
	}

	return nil, nil
}

func parseRotations(c *gin.Context) (map[int]int, error) {
	raw := strings.TrimSpace(c.PostForm("rotations"))
	if raw == "" {
		return nil, nil
	}
	var rotations map[int]int
	if err := json.Unmarshal([]byte(raw), &rotations); err != nil {
		return nil, errors.New(`rotations は JSON 形式で指定してください。例: {"0":90}`)
	}
	return rotations, nil
}

// statusFor はエラーの分類を HTTP ステータスに対応付けます。
func statusFor(apiErr *Error) int {
	if apiErr.Code == CodeLimitExceeded {
		return http.StatusRequestEntityTooLarge
	}
	switch apiErr.Kind {
	case KindInput:
		return http.StatusBadRequest
	case KindSelection, KindGeometry, KindCodec:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusFor(apiErr), gin.H{
			"code":    apiErr.Code,
			"kind":    apiErr.Kind,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("ファイルを選択してください。")
	}
	for _, key := range []string{"file", "file[]", "files", "files[]"} {
		if files := form.File[key]; len(files) > 0 {
			return files[0], nil
		}
	}
	return nil, errors.New("ファイルを選択してください。")
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("アップロードファイルを開けませんでした: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// ContentType は成果物の種別に対応する Content-Type です。
func ContentType(kind ResultKind) string {
	switch kind {
	case ResultKindPDF:
		return "application/pdf"
	case ResultKindZIP:
		return "application/zip"
	case ResultKindJPEG:
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// AttachmentHeaders はダウンロード用のヘッダーを設定します。
func AttachmentHeaders(c *gin.Context, result *JobResult) {
	encodedName := url.PathEscape(result.OutputFilename)
	c.Header("Content-Type", ContentType(result.ResultKind))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", result.OutputFilename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", result.JobID)
}

func streamResult(c *gin.Context, result *JobResult, readErrMsg string) error {
	file, err := os.Open(result.OutputPath)
	if err != nil {
		return fmt.Errorf("%s: %w", readErrMsg, err)
	}
	defer file.Close()

	AttachmentHeaders(c, result)
	c.DataFromReader(http.StatusOK, result.OutputSize, ContentType(result.ResultKind), file, nil)
	return nil
}
