package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/birdsnap/internal/logging"
	"github.com/example/birdsnap/internal/snap"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func newTestRepository(t *testing.T) *SnapRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	repo := NewSnapRepository(db, zap.NewNop())
	if err := repo.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	return repo
}

func createTestDevice(t *testing.T, repo *SnapRepository, public bool) *Device {
	t.Helper()
	device := &Device{
		ID:              uuid.New(),
		Type:            DeviceTypePiZero,
		Name:            "garden feeder",
		OwnerID:         "user-1",
		PublicByDefault: public,
		IsInfoPublic:    true,
	}
	if err := repo.CreateDevice(context.Background(), device); err != nil {
		t.Fatalf("create device failed: %v", err)
	}
	return device
}

func createTestSnap(t *testing.T, repo *SnapRepository, device *Device) *Snap {
	t.Helper()
	s := &Snap{
		DeviceID: device.ID,
		IsPublic: device.PublicByDefault,
		SnapTime: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := repo.CreateSnapWithImage(context.Background(), s, device.ID.String()+"/2024_01_01_10_00_00.jpeg"); err != nil {
		t.Fatalf("create snap failed: %v", err)
	}
	return s
}

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := &SnapRepository{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "ref-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := &SnapRepository{
		logger:         zap.NewNop(),
		retryAttempts:  2,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "ref-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.Ref != "ref-2" {
		t.Fatalf("unexpected ref: %s", opErr.Ref)
	}
}

func TestFindDeviceNotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.FindDevice(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateDeviceKeepsFalseVisibility(t *testing.T) {
	repo := newTestRepository(t)
	device := createTestDevice(t, repo, false)

	found, err := repo.FindDevice(context.Background(), device.ID)
	if err != nil {
		t.Fatalf("find device failed: %v", err)
	}
	if found.PublicByDefault {
		t.Fatal("expected public_by_default to stay false")
	}
}

func TestCreateSnapWithImage(t *testing.T) {
	repo := newTestRepository(t)
	device := createTestDevice(t, repo, true)
	created := createTestSnap(t, repo, device)

	if created.ID == 0 {
		t.Fatal("expected snap id to be assigned")
	}
	loaded, err := repo.FindSnap(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("find snap failed: %v", err)
	}
	if loaded.Status != snap.StatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", loaded.Status)
	}
	if !loaded.IsPublic {
		t.Fatal("expected snap to inherit public default")
	}
	if len(loaded.BirdSpecies) != 0 {
		t.Fatalf("expected no species, got %v", loaded.BirdSpecies)
	}
	if len(loaded.Images) != 1 || loaded.Images[0].Path != device.ID.String()+"/2024_01_01_10_00_00.jpeg" {
		t.Fatalf("unexpected images: %+v", loaded.Images)
	}
	if loaded.Device == nil || loaded.Device.ID != device.ID {
		t.Fatalf("expected device to be preloaded, got %+v", loaded.Device)
	}

	image, err := repo.FindImage(context.Background(), loaded.Images[0].ID)
	if err != nil {
		t.Fatalf("find image failed: %v", err)
	}
	if image.SnapID != created.ID {
		t.Fatalf("unexpected image owner: %d", image.SnapID)
	}
}

func TestTransitionSnapStoresSpeciesOnlyWhenAvailable(t *testing.T) {
	repo := newTestRepository(t)
	device := createTestDevice(t, repo, true)
	ctx := context.Background()

	available := createTestSnap(t, repo, device)
	if err := repo.TransitionSnap(ctx, available.ID, snap.StatusProcessing, snap.StatusAvailable, []string{"blue-jay"}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	loaded, _ := repo.FindSnap(ctx, available.ID)
	if loaded.Status != snap.StatusAvailable || len(loaded.BirdSpecies) != 1 || loaded.BirdSpecies[0] != "blue-jay" {
		t.Fatalf("unexpected snap after transition: %+v", loaded)
	}

	failed := createTestSnap(t, repo, device)
	if err := repo.TransitionSnap(ctx, failed.ID, snap.StatusProcessing, snap.StatusClassificationFailed, []string{"ignored"}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	loaded, _ = repo.FindSnap(ctx, failed.ID)
	if loaded.Status != snap.StatusClassificationFailed || loaded.BirdSpecies != nil {
		t.Fatalf("expected failed snap without species, got %+v", loaded)
	}
}

func TestTransitionSnapRejectsSecondTransition(t *testing.T) {
	repo := newTestRepository(t)
	device := createTestDevice(t, repo, true)
	ctx := context.Background()
	s := createTestSnap(t, repo, device)

	if err := repo.TransitionSnap(ctx, s.ID, snap.StatusProcessing, snap.StatusNoBirdDetected, nil); err != nil {
		t.Fatalf("first transition failed: %v", err)
	}
	err := repo.TransitionSnap(ctx, s.ID, snap.StatusProcessing, snap.StatusDeleted, nil)
	if !errors.Is(err, snap.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	err = repo.TransitionSnap(ctx, s.ID, snap.StatusNoBirdDetected, snap.StatusAvailable, []string{"x"})
	if !errors.Is(err, snap.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from terminal state, got %v", err)
	}

	loaded, _ := repo.FindSnap(ctx, s.ID)
	if loaded.Status != snap.StatusNoBirdDetected {
		t.Fatalf("expected status unchanged, got %s", loaded.Status)
	}

	if err := repo.TransitionSnap(ctx, 9999, snap.StatusProcessing, snap.StatusDeleted, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimSnapIsExclusive(t *testing.T) {
	repo := newTestRepository(t)
	device := createTestDevice(t, repo, true)
	s := createTestSnap(t, repo, device)

	const contenders = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.ClaimSnap(context.Background(), s.ID, uuid.NewString())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case !errors.Is(err, ErrAlreadyClaimed):
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", winners)
	}
}

func TestClaimSnapRejectsTerminalAndMissing(t *testing.T) {
	repo := newTestRepository(t)
	device := createTestDevice(t, repo, true)
	ctx := context.Background()
	s := createTestSnap(t, repo, device)

	if err := repo.TransitionSnap(ctx, s.ID, snap.StatusProcessing, snap.StatusDeleted, nil); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := repo.ClaimSnap(ctx, s.ID, "worker"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	if err := repo.ClaimSnap(ctx, 4242, "worker"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseClaimsAndListUnfinished(t *testing.T) {
	repo := newTestRepository(t)
	device := createTestDevice(t, repo, true)
	ctx := context.Background()

	claimed := createTestSnap(t, repo, device)
	done := createTestSnap(t, repo, device)
	if err := repo.ClaimSnap(ctx, claimed.ID, "dead-worker"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := repo.TransitionSnap(ctx, done.ID, snap.StatusProcessing, snap.StatusAvailable, []string{"blue-jay"}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	released, err := repo.ReleaseClaims(ctx)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected 1 released claim, got %d", released)
	}
	if err := repo.ClaimSnap(ctx, claimed.ID, "new-worker"); err != nil {
		t.Fatalf("expected snap to be claimable again, got %v", err)
	}

	ids, err := repo.ListUnfinished(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != claimed.ID {
		t.Fatalf("unexpected unfinished ids: %v", ids)
	}
}

func TestCountByStatus(t *testing.T) {
	repo := newTestRepository(t)
	device := createTestDevice(t, repo, true)
	ctx := context.Background()

	createTestSnap(t, repo, device)
	createTestSnap(t, repo, device)
	s := createTestSnap(t, repo, device)
	if err := repo.TransitionSnap(ctx, s.ID, snap.StatusProcessing, snap.StatusDeleted, nil); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	rows, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	counts := map[snap.Status]int64{}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	if counts[snap.StatusProcessing] != 2 || counts[snap.StatusDeleted] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}
