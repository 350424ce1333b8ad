package repository

import (
	"time"

	"github.com/google/uuid"

	"github.com/example/birdsnap/internal/snap"
)

// DeviceType enumerates the kinds of capture devices.
type DeviceType string

const (
	DeviceTypeTest   DeviceType = "TEST_DEVICE"
	DeviceTypePiZero DeviceType = "PI_ZERO"
)

// Valid reports whether t is a known device type.
func (t DeviceType) Valid() bool {
	return t == DeviceTypeTest || t == DeviceTypePiZero
}

// Device is a registered capture device owned by one user.
type Device struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Type            DeviceType `gorm:"column:type;size:32;not null"`
	Name            string     `gorm:"column:name;size:255"`
	OwnerID         string     `gorm:"column:owner_id;size:64;index;not null"`
	PublicByDefault bool       `gorm:"column:public_by_default;not null"`
	IsInfoPublic    bool       `gorm:"column:is_info_public;not null"`
	Latitude        *float64   `gorm:"column:latitude"`
	Longitude       *float64   `gorm:"column:longitude"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (Device) TableName() string {
	return "devices"
}

// Snap is one captured moment moving through the classification pipeline.
// BirdSpecies is only set when Status is AVAILABLE.
type Snap struct {
	ID          uint        `gorm:"primaryKey"`
	Status      snap.Status `gorm:"column:status;size:32;index;not null"`
	IsPublic    bool        `gorm:"column:is_public"`
	DeviceID    uuid.UUID   `gorm:"column:device_id;type:uuid;index;not null"`
	Device      *Device     `gorm:"constraint:OnDelete:CASCADE"`
	SnapTime    time.Time   `gorm:"column:snap_time;index"`
	BirdSpecies []string    `gorm:"column:bird_species;serializer:json"`
	ClaimedBy   string      `gorm:"column:claimed_by;size:64;not null;default:''"`
	Images      []SnapImage `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time   `gorm:"column:created_at"`
	UpdatedAt   time.Time   `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (Snap) TableName() string {
	return "snaps"
}

// SnapImage is one immutable stored image of a snap.
type SnapImage struct {
	ID     uint   `gorm:"primaryKey"`
	SnapID uint   `gorm:"column:snap_id;index;not null"`
	Path   string `gorm:"column:path;size:512;not null"`
}

// TableName overrides the default table name.
func (SnapImage) TableName() string {
	return "snap_images"
}

// StatusCount is one row of a per-status aggregation.
type StatusCount struct {
	Status snap.Status
	Count  int64
}
