package pdf

import (
	"errors"
	"os"
)

// DiscardJob はジョブのワークスペースを削除します。
func (s *Service) DiscardJob(jobID string) error {
	if s.store == nil {
		return nil
	}
	return s.store.Remove(jobID)
}

// OpenResultFile はジョブIDに対応する成果物ファイルを開き、JobResult とファイルハンドルを返します。
func (s *Service) OpenResultFile(jobID string) (*JobResult, *os.File, error) {
	if s.store == nil {
		return nil, nil, errors.New("workspace storage is not configured")
	}
	ws, err := s.store.Open(jobID)
	if err != nil {
		return nil, nil, err
	}
	manifest, err := loadManifest(ws)
	if err != nil {
		return nil, nil, err
	}
	def, err := lookupOperation(manifest.Operation)
	if err != nil {
		return nil, nil, err
	}

	outputPath := ws.Out(def.filename)
	file, err := os.Open(outputPath)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	return &JobResult{
		JobID:          jobID,
		Operation:      manifest.Operation,
		OutputPath:     outputPath,
		OutputFilename: def.filename,
		OutputSize:     info.Size(),
		ResultKind:     def.kind,
	}, file, nil
}
