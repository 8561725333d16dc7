package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/paperkit/internal/config"
	"github.com/yourusername/paperkit/internal/jobs"
	"github.com/yourusername/paperkit/internal/pdf"
	"github.com/yourusername/paperkit/internal/storage"
)

// recordReader はジョブレコードの参照です。
type recordReader interface {
	GetRecord(ctx context.Context, jobID string) (*jobs.Record, error)
}

// resultOpener はジョブ成果物の参照です。
type resultOpener interface {
	OpenResultFile(jobID string) (*pdf.JobResult, fs.File, error)
}

func setupJobs(cfg *config.Config, svc *pdf.Service, logger zerolog.Logger) (*jobs.Manager, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ttl := time.Duration(max(cfg.JobExpireMinutes, 1)) * time.Minute
	store := jobs.NewStore(redisClient, ttl)
	if err := store.Ping(ctx); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("redis is not reachable: %w", err)
	}
	manager, err := jobs.NewManager(cfg, svc, store, logger)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}
	return manager, nil
}

func jobStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	if manager == nil {
		return func(c *gin.Context) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "JOBS_DISABLED",
				"message": "非同期ジョブは無効になっています。",
			})
		}
	}
	return recordHandler(manager)
}

func recordHandler(records recordReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    pdf.CodeInvalidInput,
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := records.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

func jobDownloadHandler(svc *pdf.Service) gin.HandlerFunc {
	return downloadHandler(serviceOpener{svc})
}

type serviceOpener struct {
	svc *pdf.Service
}

func (o serviceOpener) OpenResultFile(jobID string) (*pdf.JobResult, fs.File, error) {
	return o.svc.OpenResultFile(jobID)
}

func downloadHandler(results resultOpener) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    pdf.CodeInvalidInput,
				"message": "jobId を指定してください。",
			})
			return
		}

		result, file, err := results.OpenResultFile(jobID)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, storage.ErrInvalidJobID) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_RESULT_NOT_FOUND",
					"message": "ジョブの成果物が見つかりませんでした。",
				})
				return
			}
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの成果物取得に失敗しました。",
			})
			return
		}
		defer file.Close()

		pdf.AttachmentHeaders(c, result)
		c.DataFromReader(http.StatusOK, result.OutputSize, pdf.ContentType(result.ResultKind), file, nil)
	}
}
