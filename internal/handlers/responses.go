package handlers

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/birdsnap/internal/repository"
	"github.com/example/birdsnap/internal/snap"
	"github.com/example/birdsnap/internal/usecase"
)

type snapResponse struct {
	ID          uint           `json:"id"`
	Status      snap.Status    `json:"status"`
	IsPublic    bool           `json:"is_public"`
	SnapTime    time.Time      `json:"snap_time"`
	BirdSpecies []string       `json:"bird_species"`
	Images      []string       `json:"images"`
	Device      deviceResponse `json:"device"`
}

type deviceResponse struct {
	ID              uuid.UUID             `json:"id"`
	Type            repository.DeviceType `json:"type"`
	Name            string                `json:"name"`
	PublicByDefault *bool                 `json:"public_by_default,omitempty"`
	IsInfoPublic    bool                  `json:"is_info_public"`
	Latitude        *float64              `json:"latitude,omitempty"`
	Longitude       *float64              `json:"longitude,omitempty"`
}

func newSnapResponse(view *usecase.SnapView, species []string) snapResponse {
	images := make([]string, 0, len(view.ImageIDs))
	for _, id := range view.ImageIDs {
		images = append(images, fmt.Sprintf("/snap/image/%d", id))
	}
	return snapResponse{
		ID:          view.ID,
		Status:      view.Status,
		IsPublic:    view.IsPublic,
		SnapTime:    view.SnapTime,
		BirdSpecies: species,
		Images:      images,
		Device: deviceResponse{
			ID:           view.Device.ID,
			Type:         view.Device.Type,
			Name:         view.Device.Name,
			IsInfoPublic: view.Device.IsInfoPublic,
			Latitude:     view.Device.Latitude,
			Longitude:    view.Device.Longitude,
		},
	}
}

func newDeviceResponse(device *repository.Device) deviceResponse {
	publicByDefault := device.PublicByDefault
	return deviceResponse{
		ID:              device.ID,
		Type:            device.Type,
		Name:            device.Name,
		PublicByDefault: &publicByDefault,
		IsInfoPublic:    device.IsInfoPublic,
		Latitude:        device.Latitude,
		Longitude:       device.Longitude,
	}
}
