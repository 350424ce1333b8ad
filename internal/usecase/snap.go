package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/example/birdsnap/internal/classifier"
	"github.com/example/birdsnap/internal/logging"
	"github.com/example/birdsnap/internal/repository"
	"github.com/example/birdsnap/internal/retry"
	"github.com/example/birdsnap/internal/snap"
	"github.com/example/birdsnap/internal/storage"
	"github.com/example/birdsnap/internal/worker"
)

var (
	// ErrUnknownDevice means the uploading device is not registered.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrSnapNotAvailable means the snap does not exist or is not visible to the viewer.
	ErrSnapNotAvailable = errors.New("snap not available")
	// ErrDeviceExists means a device with the same id is already registered.
	ErrDeviceExists = errors.New("device already registered")
	// ErrInvalidDevice means a device registration is incomplete or out of range.
	ErrInvalidDevice = errors.New("invalid device registration")
)

// SnapRepository defines the persistence operations needed by the use case.
type SnapRepository interface {
	CreateDevice(ctx context.Context, device *repository.Device) error
	FindDevice(ctx context.Context, id uuid.UUID) (*repository.Device, error)
	CreateSnapWithImage(ctx context.Context, s *repository.Snap, imagePath string) error
	FindSnap(ctx context.Context, id uint) (*repository.Snap, error)
	FindImage(ctx context.Context, id uint) (*repository.SnapImage, error)
	ClaimSnap(ctx context.Context, id uint, token string) error
	TransitionSnap(ctx context.Context, id uint, from, to snap.Status, species []string) error
	ListUnfinished(ctx context.Context, limit int) ([]uint, error)
	ReleaseClaims(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) ([]repository.StatusCount, error)
}

// ImageStore is the storage capability used by the pipeline.
type ImageStore interface {
	Save(scope string, src io.Reader, takenAt time.Time) (string, error)
	Read(relPath string) (string, error)
	Open(relPath string) (io.ReadCloser, error)
	Remove(relPath string) error
}

// Scheduler runs background work without blocking the caller.
type Scheduler interface {
	Submit(task worker.Task) error
}

// Recorder receives pipeline measurements.
type Recorder interface {
	RecordUpload(result string)
	RecordTransition(status string)
	ObserveClassify(success bool, durationSeconds float64)
	RecordSkippedClaim()
}

type nopRecorder struct{}

func (nopRecorder) RecordUpload(string)           {}
func (nopRecorder) RecordTransition(string)       {}
func (nopRecorder) ObserveClassify(bool, float64) {}
func (nopRecorder) RecordSkippedClaim()           {}

// SnapUseCase orchestrates upload, storage and asynchronous classification of snaps.
type SnapUseCase struct {
	repo          SnapRepository
	store         ImageStore
	classifier    classifier.Classifier
	scheduler     Scheduler
	cache         Cache
	recorder      Recorder
	devices       *gocache.Cache
	logger        *zap.Logger
	classifyRetry retry.Policy
	cacheRetry    retry.Policy
	viewTTL       time.Duration
	resumeLimit   int
}

// Option customises a SnapUseCase.
type Option func(*SnapUseCase)

// WithClassifyRetry sets the retry policy applied to classifier calls.
func WithClassifyRetry(p retry.Policy) Option {
	return func(uc *SnapUseCase) { uc.classifyRetry = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(uc *SnapUseCase) {
		if r != nil {
			uc.recorder = r
		}
	}
}

// WithCache sets the snap view cache.
func WithCache(c Cache) Option {
	return func(uc *SnapUseCase) {
		if c != nil {
			uc.cache = c
		}
	}
}

// WithDeviceCacheTTL sets how long device lookups are remembered in-process.
func WithDeviceCacheTTL(ttl time.Duration) Option {
	return func(uc *SnapUseCase) { uc.devices = gocache.New(ttl, 2*ttl) }
}

// NewSnapUseCase constructs a new use case instance. The classifier and the
// scheduler are injected so tests can substitute deterministic doubles.
func NewSnapUseCase(repo SnapRepository, store ImageStore, cls classifier.Classifier, scheduler Scheduler, logger *zap.Logger, opts ...Option) *SnapUseCase {
	uc := &SnapUseCase{
		repo:       repo,
		store:      store,
		classifier: cls,
		scheduler:  scheduler,
		cache:      NopCache{},
		recorder:   nopRecorder{},
		devices:    gocache.New(5*time.Minute, 10*time.Minute),
		logger:     logger.Named("snap_usecase"),
		classifyRetry: retry.Policy{
			Attempts:       1,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		cacheRetry: retry.Policy{
			Attempts:       3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
		viewTTL:     10 * time.Minute,
		resumeLimit: 1000,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Submit validates and stores an uploaded image, creates its snap in
// PROCESSING and schedules classification. It never waits for classification.
// Unknown devices fail with ErrUnknownDevice and unsupported content with
// storage.ErrBadFileType; in both cases nothing is persisted. When the snap
// row cannot be written the stored file is removed again.
func (uc *SnapUseCase) Submit(ctx context.Context, deviceID uuid.UUID, image io.Reader, snapTime time.Time) (uint, error) {
	ref := deviceID.String()
	opLogger := logging.WithOperation(uc.logger, "usecase.submit", ref)

	device, err := uc.lookupDevice(ctx, deviceID)
	if err != nil {
		uc.recordUploadFailure(err)
		opLogger.Warn("rejecting upload", zap.Error(err))
		return 0, err
	}

	storagePath, err := uc.store.Save(ref, image, snapTime)
	if err != nil {
		uc.recordUploadFailure(err)
		opLogger.Warn("failed to store image", zap.Error(err))
		return 0, err
	}

	record := &repository.Snap{
		DeviceID: device.ID,
		IsPublic: device.PublicByDefault,
		SnapTime: snapTime,
	}
	if err := uc.repo.CreateSnapWithImage(ctx, record, storagePath); err != nil {
		uc.recorder.RecordUpload("error")
		opLogger.Error("failed to persist snap", zap.Error(err), zap.String("path", storagePath))
		if rmErr := uc.store.Remove(storagePath); rmErr != nil {
			opLogger.Warn("failed to remove unreferenced image", zap.Error(rmErr), zap.String("path", storagePath))
		}
		return 0, logging.NewOperationError("usecase.submit", ref, err)
	}

	uc.recorder.RecordUpload("ok")
	opLogger.Info("snap accepted", zap.Uint("snap_id", record.ID), zap.String("path", storagePath))

	uc.schedule(context.WithoutCancel(ctx), record.ID)
	return record.ID, nil
}

// schedule hands the snap to the worker pool. When the pool refuses the work
// the snap fails into CLASSIFICATION_FAILED instead of staying PROCESSING.
func (uc *SnapUseCase) schedule(ctx context.Context, id uint) {
	err := uc.scheduler.Submit(func(taskCtx context.Context) {
		if err := uc.Process(taskCtx, id); err != nil {
			logging.WithOperation(uc.logger, "usecase.process", idRef(id)).Error("snap processing aborted", zap.Error(err))
		}
	})
	if err == nil {
		return
	}

	opLogger := logging.WithOperation(uc.logger, "usecase.schedule", idRef(id))
	opLogger.Error("failed to schedule classification", zap.Error(err))
	if err := uc.transition(ctx, id, snap.StatusClassificationFailed, nil); err != nil {
		opLogger.Error("failed to mark unscheduled snap", zap.Error(err))
	}
}

// Process classifies one snap and moves it to its terminal status. Pipeline
// failures (missing file, classifier errors) end in a terminal status and a
// nil return; only infrastructure failures such as an unreachable database
// are returned. A snap claimed by another worker is skipped.
func (uc *SnapUseCase) Process(ctx context.Context, id uint) error {
	ref := idRef(id)
	opLogger := logging.WithOperation(uc.logger, "usecase.process", ref)

	if err := uc.repo.ClaimSnap(ctx, id, uuid.NewString()); err != nil {
		if errors.Is(err, repository.ErrAlreadyClaimed) {
			uc.recorder.RecordSkippedClaim()
			opLogger.Info("snap already claimed or finished, skipping")
			return nil
		}
		return logging.NewOperationError("usecase.process", ref, err)
	}

	record, err := uc.repo.FindSnap(ctx, id)
	if err != nil {
		return logging.NewOperationError("usecase.process", ref, err)
	}

	path, err := uc.resolveImage(record)
	if err != nil {
		opLogger.Error("stored image unavailable, deleting snap", zap.Error(err))
		return uc.transition(ctx, id, snap.StatusDeleted, nil)
	}

	species, err := uc.classifyWithRetry(ctx, id, path)
	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the call; the snap stays PROCESSING for the next start.
		opLogger.Warn("classification interrupted", zap.Error(err))
		return logging.NewOperationError("usecase.process", ref, ctx.Err())
	}
	if err != nil {
		opLogger.Error("unable to determine bird species", zap.Error(err))
	}

	return uc.transition(ctx, id, snap.Outcome(species, err), species)
}

// ResumeUnfinished reschedules snaps left in PROCESSING by a previous run.
// It must be called before the pool receives new work.
func (uc *SnapUseCase) ResumeUnfinished(ctx context.Context) (int, error) {
	released, err := uc.repo.ReleaseClaims(ctx)
	if err != nil {
		return 0, err
	}
	ids, err := uc.repo.ListUnfinished(ctx, uc.resumeLimit)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		uc.schedule(ctx, id)
	}
	if len(ids) > 0 {
		uc.logger.Info("resumed unfinished snaps", zap.Int("count", len(ids)), zap.Int64("released_claims", released))
	}
	return len(ids), nil
}

// resolveImage picks the first stored image of the snap and resolves it.
func (uc *SnapUseCase) resolveImage(record *repository.Snap) (string, error) {
	if len(record.Images) == 0 {
		return "", fmt.Errorf("snap has no images: %w", storage.ErrUnknownPath)
	}
	return uc.store.Read(record.Images[0].Path)
}

func (uc *SnapUseCase) classifyWithRetry(ctx context.Context, id uint, path string) ([]string, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", idRef(id))

	var species []string
	err := uc.classifyRetry.Do(ctx, func(error) bool { return ctx.Err() == nil }, func(attempt int) error {
		start := time.Now()
		labels, err := uc.classifier.Classify(ctx, path)
		uc.recorder.ObserveClassify(err == nil, time.Since(start).Seconds())
		if err != nil {
			opLogger.Warn("classifier attempt failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return err
		}
		species = labels
		return nil
	})
	if err != nil {
		return nil, err
	}
	return species, nil
}

// transition commits PROCESSING -> to and refreshes the cached view.
func (uc *SnapUseCase) transition(ctx context.Context, id uint, to snap.Status, species []string) error {
	ref := idRef(id)
	opLogger := logging.WithOperation(uc.logger, "usecase.transition", ref)

	if err := uc.repo.TransitionSnap(ctx, id, snap.StatusProcessing, to, species); err != nil {
		opLogger.Error("failed to commit status", zap.Error(err), zap.String("status", to.String()))
		return err
	}
	uc.recorder.RecordTransition(to.String())
	opLogger.Info("snap status committed", zap.String("status", to.String()), zap.Strings("bird_species", species))

	record, err := uc.repo.FindSnap(ctx, id)
	if err != nil {
		opLogger.Warn("failed to reload snap for cache", zap.Error(err))
		return nil
	}
	uc.cacheView(ctx, newSnapView(record))
	return nil
}

func (uc *SnapUseCase) recordUploadFailure(err error) {
	switch {
	case errors.Is(err, ErrUnknownDevice):
		uc.recorder.RecordUpload("unknown_device")
	case errors.Is(err, storage.ErrBadFileType):
		uc.recorder.RecordUpload("bad_file_type")
	default:
		uc.recorder.RecordUpload("error")
	}
}

func (uc *SnapUseCase) cacheView(ctx context.Context, view *SnapView) {
	if !view.Status.IsTerminal() {
		return
	}
	serialized, err := json.Marshal(view)
	if err != nil {
		uc.logger.Error("failed to serialize snap view", zap.Error(err))
		return
	}
	ref := idRef(view.ID)
	if err := uc.withCacheRetry(ctx, ref, "cache.set.snap", func() error {
		return uc.cache.Set(ctx, snapCacheKey(view.ID), string(serialized), uc.viewTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "cache.set.snap", ref).Warn("failed to cache snap view", zap.Error(err))
	}
}

func (uc *SnapUseCase) cachedView(ctx context.Context, id uint) (*SnapView, bool) {
	ref := idRef(id)
	var raw string
	err := uc.withCacheRetry(ctx, ref, "cache.get.snap", func() error {
		value, err := uc.cache.Get(ctx, snapCacheKey(id))
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "cache.get.snap", ref).Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	var view SnapView
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		logging.WithOperation(uc.logger, "cache.get.snap", ref).Warn("failed to decode cached snap", zap.Error(err))
		return nil, false
	}
	return &view, true
}

func (uc *SnapUseCase) withCacheRetry(ctx context.Context, ref, operation string, fn func() error) error {
	opLogger := logging.WithOperation(uc.logger, operation, ref)
	err := uc.cacheRetry.Do(ctx, retry.IsTransient, func(attempt int) error {
		err := fn()
		if err == nil && attempt > 0 {
			opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
		}
		if err != nil && retry.IsTransient(err) {
			opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
		}
		return err
	})
	return logging.NewOperationError(operation, ref, err)
}

func snapCacheKey(id uint) string {
	return fmt.Sprintf("snap:%d", id)
}

func idRef(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
