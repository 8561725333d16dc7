package pdf

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/yourusername/paperkit/internal/storage"
)

const (
	manifestFilename = "manifest.json"
	metaFilename     = "meta.json"
)

// FileRole はジョブ入力ファイルの用途です。
type FileRole string

const (
	RoleSource FileRole = "source" // 処理対象の PDF または画像
	RoleImage  FileRole = "image"  // 透かし・署名に使う画像
)

// JobManifest はジョブに必要な情報を保持します。
type JobManifest struct {
	JobID     string          `json:"jobId"`
	Operation OperationType   `json:"operation"`
	Files     []JobFile       `json:"files"`
	Options   json.RawMessage `json:"options,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// JobFile はジョブ入力ファイルのメタデータを表します。
type JobFile struct {
	StoredName   string   `json:"storedName"`
	OriginalName string   `json:"originalName"`
	Role         FileRole `json:"role"`
	MIME         string   `json:"mime"`
	Size         int64    `json:"size"`
	Pages        int      `json:"pages,omitempty"`
}

// TotalSize は入力ファイルの合計サイズです。
func (m *JobManifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// TotalPages は入力PDFの合計ページ数です。
func (m *JobManifest) TotalPages() int {
	var total int
	for _, f := range m.Files {
		total += f.Pages
	}
	return total
}

func writeManifest(ws storage.Workspace, manifest *JobManifest) error {
	if manifest == nil {
		return fmt.Errorf("manifest is nil")
	}
	return writeJSON(ws.Path(manifestFilename), manifest)
}

func loadManifest(ws storage.Workspace) (*JobManifest, error) {
	data, err := os.ReadFile(ws.Path(manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest JobManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if manifest.Operation == "" {
		return nil, fmt.Errorf("manifest missing operation")
	}
	return &manifest, nil
}

func writeJSON(path string, v any) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
