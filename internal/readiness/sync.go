package readiness

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"releasecheck/internal/clock"
	"releasecheck/internal/models"
	"releasecheck/internal/pkg"
)

// Store is the slice of the data-access layer the synchronizer writes to.
type Store interface {
	SetReleaseReady(ctx context.Context, releaseID string, ready bool) error
	AppendActivity(ctx context.Context, entry models.ActivityLogEntry) error
}

// StoreError is a failed data-access call. The persisted flag is assumed
// unchanged, so the next Synchronize retries the same transition.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

type Input struct {
	Release   models.Release
	Features  []models.Feature
	Members   []models.MemberReadiness
	Persisted bool
	Actor     models.Actor
	Dims      Dimensions
}

type Synchronizer struct {
	store Store
	clock clock.Clock
	log   *zap.Logger
	busy  *pkg.KeyedBusy
	newID func() string
}

func NewSynchronizer(store Store, c clock.Clock, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		store: store,
		clock: c,
		log:   log,
		busy:  pkg.NewKeyedBusy(),
		newID: func() string { return uuid.NewString() },
	}
}

// Synchronize writes the release-ready flag when the computed value differs
// from in.Persisted and records one release_ready_change entry. It returns
// nil, nil when nothing changed or when another call for the same release is
// still running.
func (s *Synchronizer) Synchronize(ctx context.Context, in Input) (*models.ActivityLogEntry, error) {
	id := in.Release.ID
	if !s.busy.TryLock(id) {
		s.log.Debug("readiness sync skipped, release busy", zap.String("release_id", id))
		return nil, nil
	}
	defer s.busy.Unlock(id)

	return s.apply(ctx, in)
}

// Reconcile holds the release's guard while load reads the current state, so
// the persisted flag it compares against cannot go stale under a concurrent
// call for the same release.
func (s *Synchronizer) Reconcile(ctx context.Context, releaseID string, load func(context.Context) (Input, error)) (*models.ActivityLogEntry, error) {
	if !s.busy.TryLock(releaseID) {
		s.log.Debug("readiness sync skipped, release busy", zap.String("release_id", releaseID))
		return nil, nil
	}
	defer s.busy.Unlock(releaseID)

	in, err := load(ctx)
	if err != nil {
		return nil, &StoreError{Op: "load release", Err: err}
	}
	return s.apply(ctx, in)
}

func (s *Synchronizer) apply(ctx context.Context, in Input) (*models.ActivityLogEntry, error) {
	id := in.Release.ID
	sum := Summarize(in.Features, in.Members, in.Dims)
	if sum.Ready == in.Persisted {
		return nil, nil
	}

	if err := s.store.SetReleaseReady(ctx, id, sum.Ready); err != nil {
		return nil, &StoreError{Op: "set release ready", Err: err}
	}

	entry := models.ActivityLogEntry{
		ID:        s.newID(),
		ProjectID: in.Release.ProjectID,
		ReleaseID: id,
		ActorID:   in.Actor.MemberID,
		Type:      models.ActivityReleaseReadyChange,
		Details: map[string]any{
			"old":            in.Persisted,
			"new":            sum.Ready,
			"features_ready": sum.FeaturesReady,
			"members_ready":  sum.MembersReady,
		},
		CreatedAt: s.clock.Now(),
	}

	if err := s.store.AppendActivity(ctx, entry); err != nil {
		s.log.Error("activity log append failed",
			zap.String("release_id", id),
			zap.String("type", string(entry.Type)),
			zap.Error(err))
	}

	s.log.Info("release readiness changed",
		zap.String("release_id", id),
		zap.Bool("old", in.Persisted),
		zap.Bool("new", sum.Ready))

	return &entry, nil
}
