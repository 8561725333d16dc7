package pdf

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/paperkit/internal/raster"
	"github.com/yourusername/paperkit/internal/storage"
)

// Upload はジョブ入力としてアップロードされた1ファイルです。
type Upload struct {
	Header *multipart.FileHeader
	Role   FileRole
}

// Sources は PDF（または画像）の入力を Upload に変換します。
func Sources(headers []*multipart.FileHeader) []Upload {
	uploads := make([]Upload, len(headers))
	for i, h := range headers {
		uploads[i] = Upload{Header: h, Role: RoleSource}
	}
	return uploads
}

func checkUploads(def jobOperation, uploads []Upload) error {
	var sources, images int
	for _, up := range uploads {
		if up.Header == nil {
			return newError(CodeInvalidInput, "ファイルを選択してください。", nil)
		}
		switch up.Role {
		case RoleImage:
			images++
		default:
			sources++
		}
	}
	switch {
	case sources == 0:
		return newError(CodeInvalidInput, "ファイルを選択してください。", nil)
	case sources < def.minSources:
		return newError(CodeInvalidInput, fmt.Sprintf("%d個以上のファイルを指定してください。", def.minSources), nil)
	case def.maxSources > 0 && sources > def.maxSources:
		return newError(CodeInvalidInput, "ファイルは1つだけ指定してください。", nil)
	case images > 1:
		return newError(CodeInvalidInput, "画像は1つだけ指定してください。", nil)
	}
	return nil
}

// storeUpload はアップロードを in/ に保存します。
// PDF は codec で読み込めることとページ数の上限を、画像は形式を確認します。
func (s *Service) storeUpload(ws storage.Workspace, i int, up Upload, input inputKind) (JobFile, error) {
	src, err := up.Header.Open()
	if err != nil {
		return JobFile{}, fmt.Errorf("アップロードファイルを開けませんでした: %w", err)
	}
	defer src.Close()

	limit := s.cfg.MaxFileSize
	var r io.Reader = src
	if limit > 0 {
		r = io.LimitReader(src, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return JobFile{}, fmt.Errorf("アップロードファイルの読み込みに失敗しました: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return JobFile{}, newError(CodeLimitExceeded, fmt.Sprintf("%s: ファイルサイズが上限（%dMB）を超えています。", up.Header.Filename, limit/(1024*1024)), nil)
	}
	if len(data) == 0 {
		return JobFile{}, newError(CodeInvalidInput, fmt.Sprintf("%s: ファイルが空です。", up.Header.Filename), nil)
	}

	mtype := mimetype.Detect(data)
	f := JobFile{
		StoredName:   fmt.Sprintf("%02d%s", i, mtype.Extension()),
		OriginalName: filepath.Base(up.Header.Filename),
		Role:         up.Role,
		MIME:         mtype.String(),
		Size:         int64(len(data)),
	}
	if f.Role == "" {
		f.Role = RoleSource
	}

	switch {
	case f.Role == RoleImage:
		if !mtype.Is("image/png") && !mtype.Is("image/jpeg") {
			return JobFile{}, newError(CodeUnsupportedFile, fmt.Sprintf("%s: 画像はPNGまたはJPEG形式で指定してください。", f.OriginalName), nil)
		}
	case input == inputImage:
		if _, ok := raster.Sniff(data); !ok {
			return JobFile{}, newError(CodeUnsupportedFile, fmt.Sprintf("%s: 対応していない画像形式です（%s）。", f.OriginalName, mtype.String()), nil)
		}
	default:
		doc, err := s.load(data)
		if err != nil {
			var apiErr *Error
			if errors.As(err, &apiErr) {
				apiErr.Message = fmt.Sprintf("%s: %s", f.OriginalName, apiErr.Message)
			}
			return JobFile{}, err
		}
		f.Pages = doc.PageCount()
		if !strings.HasSuffix(f.StoredName, ".pdf") {
			f.StoredName = fmt.Sprintf("%02d.pdf", i)
		}
	}

	if err := os.WriteFile(ws.In(f.StoredName), data, 0o640); err != nil {
		return JobFile{}, fmt.Errorf("アップロードファイルの保存に失敗しました: %w", err)
	}
	return f, nil
}

func readInputs(ws storage.Workspace, manifest *JobManifest) (jobInput, error) {
	var in jobInput
	for _, f := range manifest.Files {
		data, err := os.ReadFile(ws.In(f.StoredName))
		if err != nil {
			return jobInput{}, fmt.Errorf("入力ファイルの読み込みに失敗しました: %w", err)
		}
		if f.Role == RoleImage {
			in.image = data
			continue
		}
		in.sources = append(in.sources, data)
	}
	return in, nil
}
