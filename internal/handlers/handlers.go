package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/birdsnap/internal/auth"
	"github.com/example/birdsnap/internal/labels"
	"github.com/example/birdsnap/internal/repository"
	"github.com/example/birdsnap/internal/storage"
	"github.com/example/birdsnap/internal/usecase"
)

// MaxUploadSize is the default upper bound of an upload request body.
const MaxUploadSize = 10 << 20

// DeviceIDHeader identifies the uploading device.
const DeviceIDHeader = "Device-Id"

// SnapService is the use case surface consumed by the HTTP layer.
type SnapService interface {
	Submit(ctx context.Context, deviceID uuid.UUID, image io.Reader, snapTime time.Time) (uint, error)
	GetSnap(ctx context.Context, viewerID string, id uint) (*usecase.SnapView, error)
	OpenImage(ctx context.Context, viewerID string, imageID uint) (io.ReadCloser, string, error)
	RegisterDevice(ctx context.Context, ownerID string, reg usecase.DeviceRegistration) (*repository.Device, error)
	StatusSummary(ctx context.Context) (*usecase.StatusSummary, error)
}

// Dependencies groups everything RegisterRoutes needs.
type Dependencies struct {
	Snaps    SnapService
	Labels   *labels.Table
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger

	RequireUser   gin.HandlerFunc
	OptionalUser  gin.HandlerFunc
	RequireAPIKey gin.HandlerFunc

	MaxUploadBytes int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	h := newHandler(deps)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	router.POST("/snap/upload", h.requireAPIKey, h.upload)
	router.GET("/snap/stats", h.requireUser, h.stats)
	router.GET("/snap/image/:id", h.optionalUser, h.image)
	router.GET("/snap/:id", h.optionalUser, h.getSnap)
	router.POST("/device/register", h.requireUser, h.registerDevice)
}

type handler struct {
	snaps          SnapService
	labels         *labels.Table
	logger         *zap.Logger
	requireUser    gin.HandlerFunc
	optionalUser   gin.HandlerFunc
	requireAPIKey  gin.HandlerFunc
	maxUploadBytes int64
}

func newHandler(deps Dependencies) *handler {
	h := &handler{
		snaps:          deps.Snaps,
		labels:         deps.Labels,
		logger:         deps.Logger,
		requireUser:    deps.RequireUser,
		optionalUser:   deps.OptionalUser,
		requireAPIKey:  deps.RequireAPIKey,
		maxUploadBytes: deps.MaxUploadBytes,
	}
	if h.labels == nil {
		h.labels = labels.Default()
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.maxUploadBytes <= 0 {
		h.maxUploadBytes = MaxUploadSize
	}
	if h.requireUser == nil {
		h.requireUser = func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication not configured"})
		}
	}
	if h.optionalUser == nil {
		h.optionalUser = func(c *gin.Context) { c.Next() }
	}
	if h.requireAPIKey == nil {
		h.requireAPIKey = func(c *gin.Context) { c.Next() }
	}
	return h
}

func (h *handler) upload(c *gin.Context) {
	deviceID, err := uuid.Parse(strings.TrimSpace(c.GetHeader(DeviceIDHeader)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a valid Device-Id header is required"})
		return
	}

	snapTime, err := parseSnapTime(c.GetHeader("Date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid Date header"})
		return
	}

	if c.Request.ContentLength > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds maximum size"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds maximum size"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	id, err := h.snaps.Submit(c.Request.Context(), deviceID, src, snapTime)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "snap_id": id})
	case errors.Is(err, usecase.ErrUnknownDevice):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown device"})
	case errors.Is(err, storage.ErrBadFileType):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only jpeg and png images are accepted"})
	default:
		h.internalError(c, "handlers.upload", err)
	}
}

func (h *handler) getSnap(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	viewerID, _ := auth.GetUserID(c.Request.Context())
	view, err := h.snaps.GetSnap(c.Request.Context(), viewerID, id)
	if errors.Is(err, usecase.ErrSnapNotAvailable) {
		c.JSON(http.StatusNotFound, gin.H{"error": "snap not found"})
		return
	}
	if err != nil {
		h.internalError(c, "handlers.get_snap", err)
		return
	}

	lang := h.labels.Match(c.GetHeader("Accept-Language"))
	c.Header("Content-Language", lang.String())
	c.JSON(http.StatusOK, newSnapResponse(view, h.labels.Translate(lang, view.BirdSpecies)))
}

func (h *handler) image(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	viewerID, _ := auth.GetUserID(c.Request.Context())
	rc, contentType, err := h.snaps.OpenImage(c.Request.Context(), viewerID, id)
	if errors.Is(err, usecase.ErrSnapNotAvailable) {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}
	if err != nil {
		h.internalError(c, "handlers.image", err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, -1, contentType, rc, nil)
}

type registerDeviceRequest struct {
	ID              string   `json:"id"`
	Type            string   `json:"type" binding:"required"`
	Name            string   `json:"name" binding:"required"`
	PublicByDefault bool     `json:"public_by_default"`
	IsInfoPublic    bool     `json:"is_info_public"`
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
}

func (h *handler) registerDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	deviceID := uuid.New()
	if req.ID != "" {
		parsed, err := uuid.Parse(req.ID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a uuid"})
			return
		}
		deviceID = parsed
	}

	ownerID, _ := auth.GetUserID(c.Request.Context())
	device, err := h.snaps.RegisterDevice(c.Request.Context(), ownerID, usecase.DeviceRegistration{
		ID:              deviceID,
		Type:            repository.DeviceType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Name:            req.Name,
		PublicByDefault: req.PublicByDefault,
		IsInfoPublic:    req.IsInfoPublic,
		Latitude:        req.Latitude,
		Longitude:       req.Longitude,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, newDeviceResponse(device))
	case errors.Is(err, usecase.ErrInvalidDevice):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrDeviceExists):
		c.JSON(http.StatusConflict, gin.H{"error": "device already registered"})
	default:
		h.internalError(c, "handlers.register_device", err)
	}
}

func (h *handler) stats(c *gin.Context) {
	summary, err := h.snaps.StatusSummary(c.Request.Context())
	if err != nil {
		h.internalError(c, "handlers.stats", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) internalError(c *gin.Context, operation string, err error) {
	h.logger.Error("request failed",
		zap.String("operation", operation),
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 0)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return uint(id), true
}

// parseSnapTime accepts HTTP dates and RFC 3339 timestamps. An empty value
// means the snap was taken now.
func parseSnapTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Now().UTC(), nil
	}
	if t, err := http.ParseTime(value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported date %q: %w", value, err)
	}
	return t.UTC(), nil
}
