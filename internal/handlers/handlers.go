package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/id-verifier/internal/repository"
	"github.com/example/id-verifier/internal/usecase"
)

// RequestIDHeader carries the verification request id on responses.
const RequestIDHeader = "X-Request-ID"

// multipartOverhead is the allowance for form boundaries and headers on top of file bytes.
const multipartOverhead = 1 << 20

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.VerificationUseCase, authMiddleware gin.HandlerFunc) {
	h := &handler{uc: uc, settings: uc.Settings()}

	router.GET("/", h.health)
	router.GET("/health", h.health)

	secured := router.Group("")
	if authMiddleware != nil {
		secured.Use(authMiddleware)
	}
	secured.POST("/verify", h.verify(usecase.DetailBasic))
	secured.POST("/verify-detailed", h.verify(usecase.DetailDetailed))
	secured.POST("/verify-batch", h.verifyBatch)
	secured.GET("/verifications/:id", h.getResult)
	secured.GET("/metrics/summary", h.metricsSummary)
}

type handler struct {
	uc       *usecase.VerificationUseCase
	settings usecase.Settings
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "message": "ID document verification proxy is running"})
}

func (h *handler) verify(detail usecase.Detail) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.settings.MaxImageBytes+multipartOverhead)

		file, err := c.FormFile("file")
		if err != nil {
			respondFormError(c, err, "image file is required in field \"file\"")
			return
		}

		img, err := h.readImage(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read uploaded image", "kind": usecase.KindInvalidInput})
			return
		}

		requestID, result, err := h.uc.Verify(c.Request.Context(), img, detail)
		c.Header(RequestIDHeader, requestID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (h *handler) verifyBatch(c *gin.Context) {
	limit := h.settings.MaxImageBytes*int64(h.settings.BatchMaxFiles) + multipartOverhead
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	form, err := c.MultipartForm()
	if err != nil {
		respondFormError(c, err, "multipart form with \"files\" is required")
		return
	}

	detail, ok := usecase.ParseDetail(c.PostForm("detail"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "detail must be \"basic\" or \"detailed\"", "kind": usecase.KindInvalidInput})
		return
	}

	headers := form.File["files"]
	images := make([]usecase.Image, 0, len(headers))
	for _, file := range headers {
		img, err := h.readImage(file)
		if err != nil {
			// Unreadable parts reach the use case empty and fail there individually.
			img = usecase.Image{Filename: file.Filename, ContentType: file.Header.Get("Content-Type")}
		}
		images = append(images, img)
	}

	items, err := h.uc.VerifyBatch(c.Request.Context(), images, detail)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": items})
}

func (h *handler) getResult(c *gin.Context) {
	log, err := h.uc.GetResult(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, usecase.ErrAuditDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": log.RequestID,
		"filename":   log.Filename,
		"detail":     log.Detail,
		"sha1_hash":  log.SHA1Hash,
		"outcome":    log.Outcome,
		"is_id_card": log.IsIDCard,
		"type":       log.DocumentType,
		"confidence": log.Confidence,
		"cached":     log.Cached,
		"latency_ms": log.LatencyMs,
		"error":      log.Error,
		"created_at": log.CreatedAt,
	})
}

func (h *handler) metricsSummary(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if errors.Is(err, usecase.ErrAuditDisabled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) readImage(file *multipart.FileHeader) (usecase.Image, error) {
	img := usecase.Image{
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Size:        file.Size,
	}
	// Oversized uploads are rejected by the use case from Size alone.
	if file.Size > h.settings.MaxImageBytes {
		return img, nil
	}

	src, err := file.Open()
	if err != nil {
		return img, err
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.settings.MaxImageBytes+1))
	if err != nil {
		return img, err
	}
	img.Data = data
	return img, nil
}

func respondFormError(c *gin.Context, err error, missingMessage string) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "upload too large", "kind": usecase.KindInvalidInput})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": missingMessage, "kind": usecase.KindInvalidInput})
}

func respondError(c *gin.Context, err error) {
	var verr *usecase.Error
	if !errors.As(err, &verr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch verr.Kind {
	case usecase.KindInvalidInput:
		status = http.StatusBadRequest
	case usecase.KindUpstreamUnavailable:
		status = http.StatusServiceUnavailable
	case usecase.KindUpstreamMalformed:
		status = http.StatusInternalServerError
	}

	body := gin.H{"error": verr.Message, "kind": verr.Kind}
	if verr.UpstreamStatus != 0 {
		body["upstream_status"] = verr.UpstreamStatus
	}
	if verr.Raw != "" {
		body["raw"] = verr.Raw
	}
	if len(verr.MissingFields) > 0 {
		body["missing_fields"] = verr.MissingFields
	}
	c.JSON(status, body)
}
