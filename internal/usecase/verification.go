package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/example/id-verifier/internal/extract"
	"github.com/example/id-verifier/internal/logging"
	"github.com/example/id-verifier/internal/repository"
	"github.com/example/id-verifier/internal/vision"
)

const maxRawReply = 2000

// Image is an uploaded file held fully in memory for one request.
type Image struct {
	Data        []byte
	ContentType string
	Filename    string
	Size        int64
}

// Result is the model's reply object, passed through without reshaping.
type Result map[string]any

// BatchItem is the outcome for one file of a batch. Exactly one of Result and
// Error is set.
type BatchItem struct {
	Filename  string `json:"filename"`
	RequestID string `json:"request_id,omitempty"`
	Result    Result `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      Kind   `json:"kind,omitempty"`
}

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Settings bounds the work a single use case instance performs.
type Settings struct {
	MaxImageBytes    int64
	UpstreamTimeout  time.Duration
	MaxConcurrency   int
	BatchMaxFiles    int
	BatchConcurrency int
	CacheTTL         time.Duration
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxImageBytes:    10 << 20,
		UpstreamTimeout:  30 * time.Second,
		MaxConcurrency:   8,
		BatchMaxFiles:    10,
		BatchConcurrency: 4,
		CacheTTL:         10 * time.Minute,
	}
}

// VerificationUseCase relays images to the vision model and validates its replies.
type VerificationUseCase struct {
	processor      vision.Client
	extractor      extract.Extractor
	repo           VerificationRepository
	cache          Cache
	logger         *zap.Logger
	settings       Settings
	upstream       *semaphore.Weighted
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewVerificationUseCase constructs a new use case instance. repo and cache
// may be nil, which disables the audit log and the result cache.
func NewVerificationUseCase(processor vision.Client, repo VerificationRepository, cache Cache, settings Settings, logger *zap.Logger) *VerificationUseCase {
	defaults := DefaultSettings()
	if settings.MaxImageBytes <= 0 {
		settings.MaxImageBytes = defaults.MaxImageBytes
	}
	if settings.UpstreamTimeout <= 0 {
		settings.UpstreamTimeout = defaults.UpstreamTimeout
	}
	if settings.MaxConcurrency <= 0 {
		settings.MaxConcurrency = defaults.MaxConcurrency
	}
	if settings.BatchMaxFiles <= 0 {
		settings.BatchMaxFiles = defaults.BatchMaxFiles
	}
	if settings.BatchConcurrency <= 0 {
		settings.BatchConcurrency = defaults.BatchConcurrency
	}

	return &VerificationUseCase{
		processor:      processor,
		extractor:      extract.BraceSpan{},
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("verification_usecase"),
		settings:       settings,
		upstream:       semaphore.NewWeighted(int64(settings.MaxConcurrency)),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// WithExtractor replaces the reply extraction strategy.
func (uc *VerificationUseCase) WithExtractor(e extract.Extractor) *VerificationUseCase {
	if e != nil {
		uc.extractor = e
	}
	return uc
}

// Settings returns the effective limits.
func (uc *VerificationUseCase) Settings() Settings {
	return uc.settings
}

// Verify classifies one image. The returned request id identifies the audit record.
func (uc *VerificationUseCase) Verify(ctx context.Context, img Image, detail Detail) (string, Result, error) {
	requestID := uuid.NewString()
	result, err := uc.verify(ctx, requestID, img, detail)
	if err != nil {
		return requestID, nil, logging.NewOperationError("usecase.verify", requestID, err)
	}
	return requestID, result, nil
}

// VerifyBatch verifies every image independently. The i-th item reports on
// the i-th image; a failing item never stops the others.
func (uc *VerificationUseCase) VerifyBatch(ctx context.Context, images []Image, detail Detail) ([]BatchItem, error) {
	if len(images) == 0 {
		return nil, invalidInput("no files provided")
	}
	if len(images) > uc.settings.BatchMaxFiles {
		return nil, invalidInput("too many files: %d (max %d)", len(images), uc.settings.BatchMaxFiles)
	}

	items := make([]BatchItem, len(images))
	var g errgroup.Group
	g.SetLimit(uc.settings.BatchConcurrency)
	for i := range images {
		i := i
		g.Go(func() error {
			img := images[i]
			requestID, result, err := uc.Verify(ctx, img, detail)
			item := BatchItem{Filename: img.Filename, RequestID: requestID}
			if err != nil {
				item.Error = publicMessage(err)
				item.Kind = KindOf(err)
			} else {
				item.Result = result
			}
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()
	return items, nil
}

// GetResult returns the audit record of a past verification.
func (uc *VerificationUseCase) GetResult(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}
	return uc.repo.FindByRequestID(ctx, requestID)
}

func (uc *VerificationUseCase) verify(ctx context.Context, requestID string, img Image, detail Detail) (Result, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID).With(
		zap.String("filename", img.Filename),
		zap.String("detail", string(detail)),
	)

	audit := &repository.VerificationLog{
		RequestID: requestID,
		Filename:  img.Filename,
		Detail:    string(detail),
	}

	tmpl, ok := templates[detail]
	if !ok {
		err := invalidInput("unknown detail level %q", detail)
		uc.saveAudit(ctx, audit, nil, err)
		return nil, err
	}
	if err := uc.validate(img); err != nil {
		opLogger.Info("rejected upload", zap.String("reason", err.Message))
		uc.saveAudit(ctx, audit, nil, err)
		return nil, err
	}

	hash := sha1.Sum(img.Data)
	audit.SHA1Hash = hex.EncodeToString(hash[:])

	if cached := uc.loadCachedResult(ctx, requestID, detail, audit.SHA1Hash); cached != nil {
		opLogger.Debug("served from cache")
		audit.Cached = true
		uc.saveAudit(ctx, audit, cached, nil)
		return cached, nil
	}

	started := time.Now()
	text, err := uc.complete(ctx, vision.Request{
		SystemPrompt: tmpl.system,
		UserPrompt:   tmpl.user,
		ImageDataURI: dataURI(img),
	})
	audit.LatencyMs = time.Since(started).Milliseconds()
	if err != nil {
		verr := classifyUpstreamError(err)
		opLogger.Warn("upstream call failed", zap.Error(verr), zap.Int("upstream_status", verr.UpstreamStatus))
		uc.saveAudit(ctx, audit, nil, verr)
		return nil, verr
	}

	parsed, err := uc.extractor.Extract(text)
	if err != nil {
		verr := &Error{Kind: KindUpstreamMalformed, Message: "model returned invalid JSON", Raw: truncate(text, maxRawReply), Err: err}
		opLogger.Warn("unparseable model reply", zap.Error(err), zap.Int("reply_length", len(text)))
		uc.saveAudit(ctx, audit, nil, verr)
		return nil, verr
	}

	if err := extract.RequireKeys(parsed, tmpl.requiredKeys...); err != nil {
		verr := &Error{Kind: KindUpstreamMalformed, Message: "model reply is missing required fields", Raw: truncate(text, maxRawReply), Err: err}
		var missing *extract.MissingFieldsError
		if errors.As(err, &missing) {
			verr.MissingFields = missing.Fields
		}
		opLogger.Warn("incomplete model reply", zap.Strings("missing_fields", verr.MissingFields))
		uc.saveAudit(ctx, audit, nil, verr)
		return nil, verr
	}

	result := Result(parsed)
	uc.storeResult(ctx, requestID, detail, audit.SHA1Hash, result)
	uc.saveAudit(ctx, audit, result, nil)
	opLogger.Info("verification completed", zap.Int64("latency_ms", audit.LatencyMs))
	return result, nil
}

func (uc *VerificationUseCase) validate(img Image) *Error {
	contentType := strings.ToLower(strings.TrimSpace(img.ContentType))
	if !strings.HasPrefix(contentType, "image/") {
		return invalidInput("file must be an image, got content type %q", img.ContentType)
	}
	size := int64(len(img.Data))
	if img.Size > size {
		size = img.Size
	}
	if size > uc.settings.MaxImageBytes {
		return invalidInput("file too large: %d bytes (max %d bytes)", size, uc.settings.MaxImageBytes)
	}
	if len(img.Data) == 0 {
		return invalidInput("file is empty")
	}
	return nil
}

// complete performs the single outbound call under the concurrency bound and timeout.
func (uc *VerificationUseCase) complete(ctx context.Context, req vision.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, uc.settings.UpstreamTimeout)
	defer cancel()

	if err := uc.upstream.Acquire(ctx, 1); err != nil {
		msg := "timed out waiting for an upstream slot"
		if errors.Is(err, context.Canceled) {
			msg = "request canceled while waiting for an upstream slot"
		}
		return "", &vision.StatusError{Message: msg, Err: err}
	}
	defer uc.upstream.Release(1)

	return uc.processor.Complete(ctx, req)
}

func classifyUpstreamError(err error) *Error {
	var empty vision.EmptyReplyError
	if errors.As(err, &empty) {
		return &Error{Kind: KindUpstreamMalformed, Message: "model returned no completion", Err: err}
	}

	verr := &Error{Kind: KindUpstreamUnavailable, Message: "verification service unavailable", Err: err}
	var statusErr *vision.StatusError
	if errors.As(err, &statusErr) {
		verr.UpstreamStatus = statusErr.StatusCode
		verr.Message = statusErr.Error()
		verr.Err = nil
		return verr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		verr.Message = "upstream unreachable: request timed out"
		verr.Err = nil
	}
	return verr
}

func (uc *VerificationUseCase) saveAudit(ctx context.Context, log *repository.VerificationLog, result Result, verr *Error) {
	if uc.repo == nil {
		return
	}
	log.CreatedAt = time.Now().UTC()
	if verr != nil {
		log.Outcome = string(verr.Kind)
		log.Error = verr.Message
	} else {
		log.Outcome = repository.OutcomeSucceeded
		fillAuditFields(log, result)
	}

	// The audit write outlives a canceled client request.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := uc.repo.SaveLog(saveCtx, log); err != nil {
		logging.WithOperation(uc.logger, "usecase.save_log", log.RequestID).Error("failed to persist verification log", zap.Error(err))
	}
}

func fillAuditFields(log *repository.VerificationLog, result Result) {
	if v, ok := result["is_id_card"].(bool); ok {
		log.IsIDCard = &v
	}
	if v, ok := result["type"].(string); ok {
		log.DocumentType = v
	}
	switch v := result["confidence"].(type) {
	case json.Number:
		if f, err := v.Float64(); err == nil {
			log.Confidence = &f
		}
	case float64:
		log.Confidence = &v
	}
}

func dataURI(img Image) string {
	contentType := strings.TrimSpace(img.ContentType)
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return "data:" + strings.ToLower(contentType) + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// publicMessage renders err for API consumers without operation wrappers.
func publicMessage(err error) string {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Message
	}
	return "internal error"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
