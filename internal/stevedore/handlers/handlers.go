package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"spyglass/internal/stevedore/metrics"
	"spyglass/internal/stevedore/storage"
	"spyglass/internal/stevedore/uploads"
	"spyglass/pkg/api/common"
	stevedoreapi "spyglass/pkg/api/stevedore"
	"spyglass/pkg/auth"
	"spyglass/pkg/cache"
	"spyglass/pkg/clients"
	"spyglass/pkg/logging"
	"spyglass/pkg/middleware"
	"spyglass/pkg/validation"

	"github.com/failsafe-go/failsafe-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const serviceName = "stevedore"

// DefaultMaxUploadBytes caps a single signed upload. Short-form video;
// anything bigger than this is not a clip.
const DefaultMaxUploadBytes = 512 << 20

// ObjectStorage is the slice of the storage client the handlers use.
type ObjectStorage interface {
	PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, time.Time, error)
	Head(ctx context.Context, key string) (storage.ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

var _ ObjectStorage = (*storage.Client)(nil)

// Dependencies holds all external dependencies for handlers
type Dependencies struct {
	Logger    logging.Logger
	Metrics   *metrics.Metrics
	Store     uploads.Store
	Storage   ObjectStorage
	Validator *validation.RequestValidator

	JWTSecret      []byte
	TokenTTL       time.Duration
	PresignExpiry  time.Duration
	MaxUploadBytes int64

	// CDNBaseURL prefixes object keys to form public playback URLs.
	CDNBaseURL string

	// ProbeClient and ProbeExecutor drive CDN readiness probes;
	// ProbeCache dedupes them across concurrent status polls.
	ProbeClient   *http.Client
	ProbeExecutor failsafe.Executor[*http.Response]
	ProbeCache    *cache.Cache
}

var deps Dependencies

// Init initializes the handlers with dependencies
func Init(d Dependencies) {
	if d.TokenTTL <= 0 {
		d.TokenTTL = uploads.DefaultTTL
	}
	if d.PresignExpiry <= 0 {
		d.PresignExpiry = storage.DefaultPresignExpiry
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = DefaultMaxUploadBytes
	}
	deps = d
}

// RegisterRoutes mounts the upload API under /api/v1. Everything past
// signing requires the upload session token.
func RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/uploads", SignUpload)

		session := v1.Group("/uploads", auth.UploadAuthMiddleware(deps.JWTSecret))
		{
			session.GET("/:id", GetUploadStatus)
			session.POST("/:id/complete", CompleteUpload)
		}
	}
}

// SignUpload validates the request, mints an upload id and session token
// and returns a presigned PUT URL for the landing bucket.
func SignUpload(c middleware.Context) {
	var req stevedoreapi.SignUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Error: err.Error(), Service: serviceName})
		return
	}
	if err := deps.Validator.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, common.ValidationErrorResponse{
			Error:  "validation failed",
			Fields: validation.FieldErrors(err),
		})
		return
	}
	if !validation.MIMEMatchesExtension(req.ContentType, req.FileName) {
		c.JSON(http.StatusBadRequest, common.ValidationErrorResponse{
			Error:  "validation failed",
			Fields: map[string]string{"file_name": "extension does not match content type"},
		})
		return
	}
	if req.SizeBytes > deps.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, common.ErrorResponse{Error: "file too large", Service: serviceName})
		return
	}

	uploadID := uuid.New().String()
	objectKey := storage.UploadKey(req.PubKey, uploadID, req.FileName)

	uploadURL, expiresAt, err := deps.Storage.PresignPut(c.Request.Context(), objectKey, req.ContentType, deps.PresignExpiry)
	if err != nil {
		deps.Logger.WithError(err).Error("Failed to presign upload")
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Error: "failed to sign upload", Service: serviceName})
		return
	}

	token, err := auth.GenerateUploadToken(uploadID, req.PubKey, deps.TokenTTL, deps.JWTSecret)
	if err != nil {
		deps.Logger.WithError(err).Error("Failed to mint upload token")
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Error: "failed to sign upload", Service: serviceName})
		return
	}

	now := time.Now().UTC()
	rec := uploads.Record{
		UploadID:    uploadID,
		PubKey:      req.PubKey,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
		Title:       req.Title,
		ObjectKey:   objectKey,
		Status:      stevedoreapi.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := deps.Store.Put(c.Request.Context(), rec); err != nil {
		deps.Logger.WithError(err).Error("Failed to store upload record")
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Error: "failed to sign upload", Service: serviceName})
		return
	}

	deps.Metrics.UploadsSigned.WithLabelValues(req.ContentType).Inc()
	deps.Metrics.ActiveUploads.WithLabelValues().Inc()
	deps.Logger.WithFields(logging.Fields{
		"upload_id":    uploadID,
		"object_key":   objectKey,
		"content_type": req.ContentType,
		"size_bytes":   req.SizeBytes,
	}).Info("Signed upload")

	c.JSON(http.StatusCreated, stevedoreapi.SignUploadResponse{
		UploadID:  uploadID,
		UploadURL: uploadURL,
		ObjectKey: objectKey,
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// GetUploadStatus reports where an upload stands. While the object is
// being processed each poll probes the CDN, deduped through the probe
// cache, and promotes the record to ready on the first 200.
func GetUploadStatus(c middleware.Context) {
	id := c.Param("id")
	rec, err := deps.Store.Get(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	if rec.Status == stevedoreapi.StatusProcessing {
		if probeThroughCache(c.Request.Context(), rec) {
			updated, err := deps.Store.SetStatus(c.Request.Context(), id, stevedoreapi.StatusReady, "")
			if err != nil {
				deps.Logger.WithError(err).WithField("upload_id", id).Warn("Failed to promote upload to ready")
			} else {
				rec = updated
				deps.Metrics.ActiveUploads.WithLabelValues().Dec()
			}
		}
	}

	deps.Metrics.StatusChecks.WithLabelValues(string(rec.Status)).Inc()
	c.JSON(http.StatusOK, statusResponse(rec))
}

// CompleteUpload verifies the object actually landed and hands it to
// processing. Repeated calls after a successful completion are no-ops.
func CompleteUpload(c middleware.Context) {
	var req stevedoreapi.CompleteUploadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Error: err.Error(), Service: serviceName})
			return
		}
	}

	id := c.Param("id")
	rec, err := deps.Store.Get(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	switch rec.Status {
	case stevedoreapi.StatusPending:
		// fall through to verification
	case stevedoreapi.StatusFailed:
		c.JSON(http.StatusConflict, common.ErrorResponse{Error: "upload already failed: " + rec.Error, Service: serviceName})
		return
	default:
		// Already verified by an earlier call or a peer replica.
		c.JSON(http.StatusOK, statusResponse(rec))
		return
	}

	info, err := deps.Storage.Head(c.Request.Context(), rec.ObjectKey)
	if errors.Is(err, storage.ErrObjectMissing) {
		deps.Metrics.Completions.WithLabelValues("missing").Inc()
		c.JSON(http.StatusConflict, common.ErrorResponse{Error: "object not found in storage, finish the upload first", Service: serviceName})
		return
	}
	if err != nil {
		deps.Logger.WithError(err).WithField("upload_id", id).Error("Failed to verify upload")
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Error: "failed to verify upload", Service: serviceName})
		return
	}

	if reason := verifyObject(rec, req, info); reason != "" {
		rejectUpload(c, rec, reason)
		return
	}

	updated, err := deps.Store.SetStatus(c.Request.Context(), id, stevedoreapi.StatusProcessing, "")
	if err != nil {
		respondStoreError(c, err)
		return
	}
	deps.Metrics.Completions.WithLabelValues("accepted").Inc()
	deps.Logger.WithFields(logging.Fields{
		"upload_id":  id,
		"object_key": rec.ObjectKey,
		"size_bytes": info.SizeBytes,
	}).Info("Upload verified, processing")

	c.JSON(http.StatusOK, statusResponse(updated))
}

// verifyObject compares the landed object against what was signed and
// returns a rejection reason, or "" when the object is acceptable.
func verifyObject(rec uploads.Record, req stevedoreapi.CompleteUploadRequest, info storage.ObjectInfo) string {
	if info.SizeBytes != rec.SizeBytes {
		return "size_mismatch"
	}
	if req.ETag != "" && info.ETag != "" && strings.Trim(req.ETag, `"`) != info.ETag {
		return "etag_mismatch"
	}
	return ""
}

// rejectUpload drops the offending object from the landing bucket and
// marks the record failed.
func rejectUpload(c middleware.Context, rec uploads.Record, reason string) {
	if err := deps.Storage.Delete(c.Request.Context(), rec.ObjectKey); err != nil {
		deps.Logger.WithError(err).WithField("object_key", rec.ObjectKey).Warn("Failed to delete rejected upload")
	}
	msg := "uploaded object does not match signed " + strings.TrimSuffix(reason, "_mismatch")
	if _, err := deps.Store.SetStatus(c.Request.Context(), rec.UploadID, stevedoreapi.StatusFailed, msg); err != nil {
		deps.Logger.WithError(err).WithField("upload_id", rec.UploadID).Warn("Failed to mark upload failed")
	}
	deps.Metrics.Completions.WithLabelValues(reason).Inc()
	deps.Metrics.ActiveUploads.WithLabelValues().Dec()
	c.JSON(http.StatusConflict, common.ErrorResponse{Error: msg, Service: serviceName})
}

// InvalidateProbe drops the cached CDN probe for one upload. Main wires
// it to peer status broadcasts.
func InvalidateProbe(uploadID string) {
	if deps.ProbeCache != nil {
		deps.ProbeCache.Delete(uploadID)
	}
}

func probeThroughCache(ctx context.Context, rec uploads.Record) bool {
	url := playbackURL(rec.ObjectKey)
	v, ok, err := deps.ProbeCache.Get(ctx, rec.UploadID, func(ctx context.Context, _ string) (interface{}, bool, error) {
		ready, err := probeCDN(ctx, url)
		if err != nil {
			return nil, false, err
		}
		return ready, true, nil
	})
	if err != nil || !ok {
		return false
	}
	ready, _ := v.(bool)
	return ready
}

func probeCDN(ctx context.Context, url string) (bool, error) {
	start := time.Now()
	resp, err := clients.ExecuteHTTP(ctx, deps.ProbeExecutor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return nil, err
		}
		return deps.ProbeClient.Do(req)
	})
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		deps.Metrics.ProbeDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	ready := resp.StatusCode == http.StatusOK
	outcome := "not_ready"
	if ready {
		outcome = "ready"
	}
	deps.Metrics.ProbeDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return ready, nil
}

func statusResponse(rec uploads.Record) stevedoreapi.UploadStatusResponse {
	resp := stevedoreapi.UploadStatusResponse{
		UploadID:  rec.UploadID,
		Status:    rec.Status,
		Error:     rec.Error,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Status == stevedoreapi.StatusReady {
		resp.PlaybackURL = playbackURL(rec.ObjectKey)
	}
	return resp
}

func playbackURL(objectKey string) string {
	return strings.TrimSuffix(deps.CDNBaseURL, "/") + "/" + objectKey
}

func respondStoreError(c middleware.Context, err error) {
	if errors.Is(err, uploads.ErrNotFound) {
		c.JSON(http.StatusNotFound, common.ErrorResponse{Error: "upload not found", Service: serviceName})
		return
	}
	deps.Logger.WithError(err).Error("Upload store error")
	c.JSON(http.StatusInternalServerError, common.ErrorResponse{Error: "internal error", Service: serviceName})
}
