package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/birdsnap/internal/logging"
	"github.com/example/birdsnap/internal/repository"
)

// DeviceRegistration is the input of RegisterDevice.
type DeviceRegistration struct {
	ID              uuid.UUID
	Type            repository.DeviceType
	Name            string
	PublicByDefault bool
	IsInfoPublic    bool
	Latitude        *float64
	Longitude       *float64
}

// RegisterDevice creates a device owned by ownerID.
func (uc *SnapUseCase) RegisterDevice(ctx context.Context, ownerID string, reg DeviceRegistration) (*repository.Device, error) {
	ref := reg.ID.String()
	if err := validateRegistration(ownerID, reg); err != nil {
		return nil, logging.NewOperationError("usecase.register_device", ref, err)
	}

	if _, err := uc.lookupDevice(ctx, reg.ID); err == nil {
		return nil, logging.NewOperationError("usecase.register_device", ref, ErrDeviceExists)
	} else if !errors.Is(err, ErrUnknownDevice) {
		return nil, err
	}

	device := &repository.Device{
		ID:              reg.ID,
		Type:            reg.Type,
		Name:            strings.TrimSpace(reg.Name),
		OwnerID:         ownerID,
		PublicByDefault: reg.PublicByDefault,
		IsInfoPublic:    reg.IsInfoPublic,
		Latitude:        reg.Latitude,
		Longitude:       reg.Longitude,
	}
	if err := uc.repo.CreateDevice(ctx, device); err != nil {
		logging.WithOperation(uc.logger, "usecase.register_device", ref).Error("failed to persist device", zap.Error(err))
		return nil, err
	}
	uc.devices.SetDefault(ref, device)
	return device, nil
}

// lookupDevice resolves a device through the in-process registry cache.
// A missing device yields ErrUnknownDevice.
func (uc *SnapUseCase) lookupDevice(ctx context.Context, id uuid.UUID) (*repository.Device, error) {
	key := id.String()
	if cached, ok := uc.devices.Get(key); ok {
		return cached.(*repository.Device), nil
	}

	device, err := uc.repo.FindDevice(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, logging.NewOperationError("usecase.lookup_device", key, ErrUnknownDevice)
	}
	if err != nil {
		return nil, err
	}
	uc.devices.SetDefault(key, device)
	return device, nil
}

func validateRegistration(ownerID string, reg DeviceRegistration) error {
	switch {
	case ownerID == "":
		return fmt.Errorf("%w: missing owner", ErrInvalidDevice)
	case reg.ID == uuid.Nil:
		return fmt.Errorf("%w: missing id", ErrInvalidDevice)
	case !reg.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDevice, reg.Type)
	case strings.TrimSpace(reg.Name) == "":
		return fmt.Errorf("%w: missing name", ErrInvalidDevice)
	case reg.Latitude != nil && (*reg.Latitude < -90 || *reg.Latitude > 90):
		return fmt.Errorf("%w: latitude out of range", ErrInvalidDevice)
	case reg.Longitude != nil && (*reg.Longitude < -180 || *reg.Longitude > 180):
		return fmt.Errorf("%w: longitude out of range", ErrInvalidDevice)
	}
	return nil
}
