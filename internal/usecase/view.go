package usecase

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/birdsnap/internal/logging"
	"github.com/example/birdsnap/internal/repository"
	"github.com/example/birdsnap/internal/snap"
	"github.com/example/birdsnap/internal/storage"
)

// SnapView is the read model of a snap returned to clients and cached in Redis.
type SnapView struct {
	ID          uint        `json:"id"`
	Status      snap.Status `json:"status"`
	IsPublic    bool        `json:"is_public"`
	SnapTime    time.Time   `json:"snap_time"`
	BirdSpecies []string    `json:"bird_species,omitempty"`
	ImageIDs    []uint      `json:"image_ids"`
	Device      DeviceView  `json:"device"`
	OwnerID     string      `json:"owner_id"`
}

// DeviceView describes the capture device of a snap. Coordinates are only
// present when the device shares its info publicly or the viewer owns it.
type DeviceView struct {
	ID           uuid.UUID             `json:"id"`
	Type         repository.DeviceType `json:"type"`
	Name         string                `json:"name"`
	IsInfoPublic bool                  `json:"is_info_public"`
	Latitude     *float64              `json:"latitude,omitempty"`
	Longitude    *float64              `json:"longitude,omitempty"`
}

func newSnapView(record *repository.Snap) *SnapView {
	view := &SnapView{
		ID:       record.ID,
		Status:   record.Status,
		IsPublic: record.IsPublic,
		SnapTime: record.SnapTime,
		ImageIDs: make([]uint, 0, len(record.Images)),
	}
	if record.Status == snap.StatusAvailable {
		view.BirdSpecies = record.BirdSpecies
	}
	for _, image := range record.Images {
		view.ImageIDs = append(view.ImageIDs, image.ID)
	}
	if record.Device != nil {
		view.OwnerID = record.Device.OwnerID
		view.Device = DeviceView{
			ID:           record.Device.ID,
			Type:         record.Device.Type,
			Name:         record.Device.Name,
			IsInfoPublic: record.Device.IsInfoPublic,
			Latitude:     record.Device.Latitude,
			Longitude:    record.Device.Longitude,
		}
	}
	return view
}

// visibleTo applies the privacy rules for viewerID, which may be empty for
// anonymous requests. It reports false when the snap must not be shown.
func (v *SnapView) visibleTo(viewerID string) (*SnapView, bool) {
	owner := viewerID != "" && viewerID == v.OwnerID
	if !v.IsPublic && !owner {
		return nil, false
	}

	out := *v
	if !owner {
		out.OwnerID = ""
		if !v.Device.IsInfoPublic {
			out.Device.Latitude = nil
			out.Device.Longitude = nil
		}
	}
	return &out, true
}

// GetSnap returns the snap as seen by viewerID. Terminal snaps are served from
// the cache when possible. Missing and hidden snaps both yield ErrSnapNotAvailable.
func (uc *SnapUseCase) GetSnap(ctx context.Context, viewerID string, id uint) (*SnapView, error) {
	view, ok := uc.cachedView(ctx, id)
	if !ok {
		record, err := uc.repo.FindSnap(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, logging.NewOperationError("usecase.get_snap", idRef(id), ErrSnapNotAvailable)
		}
		if err != nil {
			return nil, err
		}
		view = newSnapView(record)
		uc.cacheView(ctx, view)
	}

	visible, ok := view.visibleTo(viewerID)
	if !ok {
		return nil, logging.NewOperationError("usecase.get_snap", idRef(id), ErrSnapNotAvailable)
	}
	return visible, nil
}

// OpenImage streams a stored image together with its content type. Images
// of private snaps are only served to the owner of the capturing device.
func (uc *SnapUseCase) OpenImage(ctx context.Context, viewerID string, imageID uint) (io.ReadCloser, string, error) {
	ref := idRef(imageID)
	image, err := uc.repo.FindImage(ctx, imageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, "", logging.NewOperationError("usecase.open_image", ref, ErrSnapNotAvailable)
	}
	if err != nil {
		return nil, "", err
	}

	if _, err := uc.GetSnap(ctx, viewerID, image.SnapID); err != nil {
		return nil, "", err
	}

	rc, err := uc.store.Open(image.Path)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.open_image", ref).Warn("stored image unavailable", zap.Error(err))
		return nil, "", logging.NewOperationError("usecase.open_image", ref, ErrSnapNotAvailable)
	}
	return rc, storage.ContentType(image.Path), nil
}
