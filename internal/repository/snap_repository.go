package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/birdsnap/internal/logging"
	"github.com/example/birdsnap/internal/retry"
	"github.com/example/birdsnap/internal/snap"
)

var (
	// ErrNotFound is returned when a device, snap or image does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyClaimed is returned when another worker holds the snap or it left PROCESSING.
	ErrAlreadyClaimed = errors.New("snap already claimed")
)

// SnapRepository provides persistence APIs for devices, snaps and images.
// Every method runs in its own session so concurrent workers never share one.
type SnapRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSnapRepository creates a new repository instance.
func NewSnapRepository(db *gorm.DB, logger *zap.Logger) *SnapRepository {
	return &SnapRepository{
		db:             db,
		logger:         logger.Named("snap_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *SnapRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Device{}, &Snap{}, &SnapImage{})
}

// CreateDevice registers a new device.
func (r *SnapRepository) CreateDevice(ctx context.Context, device *Device) error {
	return r.executeWithRetry(ctx, "repository.create_device", device.ID.String(), func() error {
		return r.db.WithContext(ctx).Create(device).Error
	})
}

// FindDevice looks a device up by id.
func (r *SnapRepository) FindDevice(ctx context.Context, id uuid.UUID) (*Device, error) {
	var device Device
	err := r.executeWithRetry(ctx, "repository.find_device", id.String(), func() error {
		return r.db.WithContext(ctx).First(&device, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// CreateSnapWithImage stores a new snap and its first image in one transaction.
// The snap is always created in PROCESSING without species.
func (r *SnapRepository) CreateSnapWithImage(ctx context.Context, s *Snap, imagePath string) error {
	s.Status = snap.StatusProcessing
	s.BirdSpecies = nil
	s.ClaimedBy = ""

	return r.executeWithRetry(ctx, "repository.create_snap", s.DeviceID.String(), func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			s.ID = 0
			if err := tx.Omit("Device", "Images").Create(s).Error; err != nil {
				return err
			}
			image := SnapImage{SnapID: s.ID, Path: imagePath}
			if err := tx.Create(&image).Error; err != nil {
				return err
			}
			s.Images = []SnapImage{image}
			return nil
		})
	})
}

// FindSnap loads a snap with its device and images.
func (r *SnapRepository) FindSnap(ctx context.Context, id uint) (*Snap, error) {
	var s Snap
	err := r.executeWithRetry(ctx, "repository.find_snap", idRef(id), func() error {
		return r.db.WithContext(ctx).
			Preload("Device").
			Preload("Images", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
			First(&s, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindImage loads a single stored image.
func (r *SnapRepository) FindImage(ctx context.Context, id uint) (*SnapImage, error) {
	var image SnapImage
	err := r.executeWithRetry(ctx, "repository.find_image", idRef(id), func() error {
		return r.db.WithContext(ctx).First(&image, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &image, nil
}

// ClaimSnap marks a PROCESSING, unclaimed snap as owned by token. Only one
// caller can win; everyone else gets ErrAlreadyClaimed (or ErrNotFound).
func (r *SnapRepository) ClaimSnap(ctx context.Context, id uint, token string) error {
	var affected int64
	err := r.executeWithRetry(ctx, "repository.claim_snap", idRef(id), func() error {
		res := r.db.WithContext(ctx).Model(&Snap{}).
			Where("id = ? AND status = ? AND claimed_by = ?", id, snap.StatusProcessing, "").
			Updates(map[string]interface{}{"claimed_by": token, "updated_at": time.Now().UTC()})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := r.currentStatus(ctx, id); err != nil {
			return err
		}
		return logging.NewOperationError("repository.claim_snap", idRef(id), ErrAlreadyClaimed)
	}
	return nil
}

// TransitionSnap moves a snap from one status to another as a compare-and-set
// on the current status. Species are stored only for AVAILABLE and cleared
// otherwise. A snap that is no longer in from yields snap.ErrInvalidTransition.
func (r *SnapRepository) TransitionSnap(ctx context.Context, id uint, from, to snap.Status, species []string) error {
	if err := snap.Transition(from, to); err != nil {
		return logging.NewOperationError("repository.transition_snap", idRef(id), err)
	}
	if to != snap.StatusAvailable {
		species = nil
	}

	update := Snap{Status: to, BirdSpecies: species, UpdatedAt: time.Now().UTC()}
	var affected int64
	err := r.executeWithRetry(ctx, "repository.transition_snap", idRef(id), func() error {
		res := r.db.WithContext(ctx).Model(&Snap{}).
			Where("id = ? AND status = ?", id, from).
			Select("status", "bird_species", "updated_at").
			Updates(&update)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		current, err := r.currentStatus(ctx, id)
		if err != nil {
			return err
		}
		return logging.NewOperationError("repository.transition_snap", idRef(id),
			snap.Transition(current, to))
	}
	return nil
}

// ListUnfinished returns ids of snaps still in PROCESSING, oldest first.
func (r *SnapRepository) ListUnfinished(ctx context.Context, limit int) ([]uint, error) {
	var ids []uint
	err := r.executeWithRetry(ctx, "repository.list_unfinished", "", func() error {
		return r.db.WithContext(ctx).Model(&Snap{}).
			Where("status = ?", snap.StatusProcessing).
			Order("id").
			Limit(limit).
			Pluck("id", &ids).Error
	})
	return ids, err
}

// ReleaseClaims clears the claim marker of every PROCESSING snap. It is meant
// for startup, when no worker of this process can hold a claim yet.
func (r *SnapRepository) ReleaseClaims(ctx context.Context) (int64, error) {
	var affected int64
	err := r.executeWithRetry(ctx, "repository.release_claims", "", func() error {
		res := r.db.WithContext(ctx).Model(&Snap{}).
			Where("status = ? AND claimed_by <> ?", snap.StatusProcessing, "").
			Update("claimed_by", "")
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// CountByStatus aggregates the number of snaps per status.
func (r *SnapRepository) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var rows []StatusCount
	err := r.executeWithRetry(ctx, "repository.count_by_status", "", func() error {
		return r.db.WithContext(ctx).Model(&Snap{}).
			Select("status, count(*) as count").
			Group("status").
			Order("status").
			Scan(&rows).Error
	})
	return rows, err
}

func (r *SnapRepository) currentStatus(ctx context.Context, id uint) (snap.Status, error) {
	var s Snap
	err := r.executeWithRetry(ctx, "repository.current_status", idRef(id), func() error {
		return r.db.WithContext(ctx).Select("id", "status").First(&s, id).Error
	})
	if err != nil {
		return "", err
	}
	return s.Status, nil
}

// executeWithRetry runs fn, retrying transient failures with exponential
// backoff. gorm.ErrRecordNotFound is translated to ErrNotFound.
func (r *SnapRepository) executeWithRetry(ctx context.Context, operation, ref string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, ref)
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}

	err := policy.Do(ctx, retry.IsTransient, func(attempt int) error {
		err := fn()
		switch {
		case err == nil:
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
		case retry.IsTransient(err):
			opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
		}
		return err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return logging.NewOperationError(operation, ref, ErrNotFound)
	}
	opLogger.Error("database operation failed", zap.Error(err))
	return logging.NewOperationError(operation, ref, err)
}

func idRef(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
