package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"releasecheck/internal/clock"
	"releasecheck/internal/datemath"
	"releasecheck/internal/milestone"
	"releasecheck/internal/models"
	"releasecheck/internal/readiness"
	"releasecheck/internal/release"
	"releasecheck/internal/repo"
)

var (
	ErrUnauthenticated  = errors.New("unknown member")
	ErrForbidden        = errors.New("not allowed")
	ErrInvalidInput     = errors.New("invalid input")
	ErrProjectNotFound  = errors.New("project not found")
	ErrMemberNotFound   = errors.New("member not found")
	ErrTeamNotFound     = errors.New("team not found")
	ErrReleaseNotFound  = errors.New("release not found")
	ErrFeatureNotFound  = errors.New("feature not found")
	ErrReleaseExists    = errors.New("release name already used in project")
	ErrNotOnRelease     = errors.New("member is not on a team assigned to this release")
	ErrReleaseImmutable = errors.New("release is cancelled or deployed")
)

const defaultActivityLimit = 50

// Store is everything the service needs from the data-access layer.
type Store interface {
	readiness.Store

	CreateProject(ctx context.Context, p models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	CreateMember(ctx context.Context, m models.Member) error
	HasMembers(ctx context.Context, projectID string) (bool, error)
	GetMember(ctx context.Context, id string) (*models.Member, error)
	CreateTeam(ctx context.Context, team models.Team) error

	ReleaseNameExists(ctx context.Context, projectID, name string) (bool, error)
	CreateRelease(ctx context.Context, rel models.Release, teamIDs []string) error
	GetRelease(ctx context.Context, id string) (*models.ReleaseDetail, error)
	ProjectSnapshot(ctx context.Context, projectID string) (*models.ProjectSnapshot, error)
	MarkRelease(ctx context.Context, id string, flag repo.Flag) error
	RescheduleRelease(ctx context.Context, id string, date datemath.Date) error
	DeleteRelease(ctx context.Context, id string) error

	CreateFeature(ctx context.Context, f models.Feature) error
	GetFeature(ctx context.Context, id string) (*models.Feature, error)
	SetFeatureReady(ctx context.Context, id string, ready bool, comments *string) error
	DeleteFeature(ctx context.Context, id string) error

	SetMemberReady(ctx context.Context, memberID, releaseID string, ready bool) error
	ListActivity(ctx context.Context, releaseID string, limit int) ([]models.ActivityLogEntry, error)
}

type Service struct {
	store      Store
	clock      clock.Clock
	classifier *release.Classifier
	sync       *readiness.Synchronizer
	projector  *milestone.Projector
	log        *zap.Logger
	newID      func() string
}

func New(store Store, c clock.Clock, projector *milestone.Projector, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:      store,
		clock:      c,
		classifier: release.NewClassifier(c),
		sync:       readiness.NewSynchronizer(store, c, log.Named("readiness")),
		projector:  projector,
		log:        log,
		newID:      uuid.NewString,
	}
}

// Authenticate resolves the caller's member record.
func (s *Service) Authenticate(ctx context.Context, memberID string) (*models.Member, error) {
	if memberID == "" {
		return nil, ErrUnauthenticated
	}
	m, err := s.store.GetMember(ctx, memberID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	return m, err
}

func (s *Service) CreateProject(ctx context.Context, name string, manageMembers, manageFeatures bool) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	p := models.Project{
		ID:               s.newID(),
		Name:             name,
		IsManageMembers:  manageMembers,
		IsManageFeatures: manageFeatures,
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("создание проекта: %w", err)
	}
	return &p, nil
}

func (s *Service) GetProject(ctx context.Context, actor *models.Member, projectID string) (*models.Project, error) {
	if err := inProject(actor, projectID); err != nil {
		return nil, err
	}
	p, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrProjectNotFound
	}
	return p, err
}

// CreateMember needs no actor only while the project has no members, so the
// first member bootstraps it. After that a release manager adds members and
// only an admin may grant admin.
func (s *Service) CreateMember(ctx context.Context, actor *models.Member, projectID, nickname string, role models.Role) (*models.Member, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return nil, fmt.Errorf("%w: nickname is required", ErrInvalidInput)
	}
	if role == "" {
		role = models.RoleMember
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	populated, err := s.store.HasMembers(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("проверка участников проекта: %w", err)
	}
	if populated {
		if err := canManage(actor, projectID); err != nil {
			return nil, err
		}
		if role == models.RoleAdmin && actor.Role != models.RoleAdmin {
			return nil, ErrForbidden
		}
	}

	m := models.Member{ID: s.newID(), ProjectID: projectID, Nickname: nickname, Role: role, TeamIDs: []string{}}
	if err := s.store.CreateMember(ctx, m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Service) CreateTeam(ctx context.Context, actor *models.Member, projectID, name, description string, memberIDs []string) (*models.Team, error) {
	if err := canManage(actor, projectID); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if memberIDs == nil {
		memberIDs = []string{}
	}

	t := models.Team{ID: s.newID(), ProjectID: projectID, Name: name, Description: description, MemberIDs: memberIDs}
	if err := s.store.CreateTeam(ctx, t); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrMemberNotFound, err)
		}
		return nil, err
	}
	return &t, nil
}

// ListReleases returns every release in the project with its derived state
// and readiness, ordered by target date.
func (s *Service) ListReleases(ctx context.Context, actor *models.Member, projectID string) ([]models.ReleaseView, error) {
	if err := inProject(actor, projectID); err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}

	states := s.classifier.ClassifyAll(plainReleases(snap.Releases))
	today := s.classifier.Today()
	dims := readiness.DimensionsFor(snap.Project)

	views := make([]models.ReleaseView, 0, len(snap.Releases))
	for _, d := range snap.Releases {
		views = append(views, view(d, states[d.ID], today, dims))
	}
	return views, nil
}

func (s *Service) GetRelease(ctx context.Context, actor *models.Member, releaseID string) (*models.ReleaseView, error) {
	d, err := s.release(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if err := inProject(actor, d.ProjectID); err != nil {
		return nil, err
	}
	return s.viewOf(ctx, d.ProjectID, releaseID)
}

func (s *Service) CreateRelease(ctx context.Context, actor *models.Member, projectID, name string, target datemath.Date, teamIDs []string) (*models.ReleaseView, error) {
	if err := canManage(actor, projectID); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if target.IsZero() {
		return nil, fmt.Errorf("%w: target_date is required", ErrInvalidInput)
	}

	exists, err := s.store.ReleaseNameExists(ctx, projectID, name)
	if err != nil {
		return nil, fmt.Errorf("проверка существования релиза: %w", err)
	}
	if exists {
		return nil, ErrReleaseExists
	}

	rel := models.Release{ID: s.newID(), ProjectID: projectID, Name: name, TargetDate: target}
	if err := s.store.CreateRelease(ctx, rel, teamIDs); err != nil {
		switch {
		case errors.Is(err, repo.ErrConflict):
			return nil, ErrReleaseExists
		case errors.Is(err, repo.ErrNotFound):
			return nil, fmt.Errorf("%w: %v", ErrTeamNotFound, err)
		}
		return nil, err
	}

	s.record(ctx, models.ActivityLogEntry{
		ProjectID: projectID,
		ReleaseID: rel.ID,
		ActorID:   actor.ID,
		Type:      models.ActivityReleaseCreated,
		Details:   map[string]any{"name": name, "target_date": target.String(), "team_ids": teamIDs},
	})

	return s.viewOf(ctx, projectID, rel.ID)
}

func (s *Service) CancelRelease(ctx context.Context, actor *models.Member, releaseID string) (*models.ReleaseView, error) {
	return s.mark(ctx, actor, releaseID, repo.FlagCancelled, models.ActivityReleaseCancelled)
}

func (s *Service) DeployRelease(ctx context.Context, actor *models.Member, releaseID string) (*models.ReleaseView, error) {
	return s.mark(ctx, actor, releaseID, repo.FlagDeployed, models.ActivityReleaseDeployed)
}

func (s *Service) ArchiveRelease(ctx context.Context, actor *models.Member, releaseID string) (*models.ReleaseView, error) {
	return s.mark(ctx, actor, releaseID, repo.FlagArchived, models.ActivityReleaseArchived)
}

func (s *Service) RescheduleRelease(ctx context.Context, actor *models.Member, releaseID string, target datemath.Date) (*models.ReleaseView, error) {
	if target.IsZero() {
		return nil, fmt.Errorf("%w: target_date is required", ErrInvalidInput)
	}
	d, err := s.release(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if err := canManage(actor, d.ProjectID); err != nil {
		return nil, err
	}
	if d.IsCancelled || d.IsDeployed {
		return nil, ErrReleaseImmutable
	}
	if err := s.store.RescheduleRelease(ctx, releaseID, target); err != nil {
		return nil, s.releaseErr(err)
	}

	s.record(ctx, models.ActivityLogEntry{
		ProjectID: d.ProjectID,
		ReleaseID: releaseID,
		ActorID:   actor.ID,
		Type:      models.ActivityReleaseRescheduled,
		Details:   map[string]any{"old": d.TargetDate.String(), "new": target.String()},
	})
	return s.viewOf(ctx, d.ProjectID, releaseID)
}

func (s *Service) DeleteRelease(ctx context.Context, actor *models.Member, releaseID string) error {
	d, err := s.release(ctx, releaseID)
	if err != nil {
		return err
	}
	if err := canManage(actor, d.ProjectID); err != nil {
		return err
	}
	return s.releaseErr(s.store.DeleteRelease(ctx, releaseID))
}

func (s *Service) CreateFeature(ctx context.Context, actor *models.Member, releaseID, name, driID, comments string) (*models.Feature, error) {
	d, err := s.release(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if err := canManage(actor, d.ProjectID); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if driID != "" {
		dri, err := s.store.GetMember(ctx, driID)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && dri.ProjectID != d.ProjectID) {
			return nil, ErrMemberNotFound
		}
		if err != nil {
			return nil, err
		}
	}

	f := models.Feature{ID: s.newID(), ReleaseID: releaseID, Name: name, DRIID: driID, Comments: comments}
	if err := s.store.CreateFeature(ctx, f); err != nil {
		return nil, err
	}

	s.record(ctx, models.ActivityLogEntry{
		ProjectID: d.ProjectID,
		ReleaseID: releaseID,
		FeatureID: f.ID,
		MemberID:  driID,
		ActorID:   actor.ID,
		Type:      models.ActivityFeatureCreated,
		Details:   map[string]any{"name": name},
	})
	s.reconcile(ctx, actor, releaseID)
	return &f, nil
}

// SetFeatureReady is allowed for the feature's DRI and for release managers.
func (s *Service) SetFeatureReady(ctx context.Context, actor *models.Member, featureID string, ready bool, comments *string) (*models.Feature, error) {
	f, err := s.store.GetFeature(ctx, featureID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrFeatureNotFound
	}
	if err != nil {
		return nil, err
	}
	d, err := s.release(ctx, f.ReleaseID)
	if err != nil {
		return nil, err
	}
	if err := inProject(actor, d.ProjectID); err != nil {
		return nil, err
	}
	if actor.ID != f.DRIID && !actor.Role.CanManageReleases() {
		return nil, ErrForbidden
	}

	if err := s.store.SetFeatureReady(ctx, featureID, ready, comments); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrFeatureNotFound
		}
		return nil, err
	}
	f.IsReady = ready
	if comments != nil {
		f.Comments = *comments
	}

	s.record(ctx, models.ActivityLogEntry{
		ProjectID: d.ProjectID,
		ReleaseID: f.ReleaseID,
		FeatureID: f.ID,
		MemberID:  f.DRIID,
		ActorID:   actor.ID,
		Type:      models.ActivityFeatureReady,
		Details:   map[string]any{"is_ready": ready},
	})
	s.reconcile(ctx, actor, f.ReleaseID)
	return f, nil
}

func (s *Service) DeleteFeature(ctx context.Context, actor *models.Member, featureID string) error {
	f, err := s.store.GetFeature(ctx, featureID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrFeatureNotFound
	}
	if err != nil {
		return err
	}
	d, err := s.release(ctx, f.ReleaseID)
	if err != nil {
		return err
	}
	if err := canManage(actor, d.ProjectID); err != nil {
		return err
	}
	if err := s.store.DeleteFeature(ctx, featureID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrFeatureNotFound
		}
		return err
	}

	s.record(ctx, models.ActivityLogEntry{
		ProjectID: d.ProjectID,
		ReleaseID: f.ReleaseID,
		FeatureID: f.ID,
		ActorID:   actor.ID,
		Type:      models.ActivityFeatureDeleted,
		Details:   map[string]any{"name": f.Name},
	})
	s.reconcile(ctx, actor, f.ReleaseID)
	return nil
}

// SetMemberReady is allowed for the member themself and for release managers.
// The member must be on a team assigned to the release.
func (s *Service) SetMemberReady(ctx context.Context, actor *models.Member, releaseID, memberID string, ready bool) (*models.MemberReadiness, error) {
	d, err := s.release(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if err := inProject(actor, d.ProjectID); err != nil {
		return nil, err
	}
	if actor.ID != memberID && !actor.Role.CanManageReleases() {
		return nil, ErrForbidden
	}

	teamID, mr, ok := assignment(*d, memberID)
	if !ok {
		return nil, ErrNotOnRelease
	}

	if err := s.store.SetMemberReady(ctx, memberID, releaseID, ready); err != nil {
		return nil, err
	}
	mr.IsReady = ready

	s.record(ctx, models.ActivityLogEntry{
		ProjectID: d.ProjectID,
		ReleaseID: releaseID,
		TeamID:    teamID,
		MemberID:  memberID,
		ActorID:   actor.ID,
		Type:      models.ActivityMemberReady,
		Details:   map[string]any{"is_ready": ready},
	})
	s.reconcile(ctx, actor, releaseID)
	return &mr, nil
}

// SyncRelease runs a readiness synchronization pass on demand. Unlike the
// pass that follows each mutation, its failure is returned.
func (s *Service) SyncRelease(ctx context.Context, actor *models.Member, releaseID string) (*models.ActivityLogEntry, error) {
	d, err := s.release(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if err := inProject(actor, d.ProjectID); err != nil {
		return nil, err
	}
	entry, err := s.sync.Reconcile(ctx, releaseID, s.loader(actor, releaseID))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrReleaseNotFound
	}
	return entry, err
}

func (s *Service) Dashboard(ctx context.Context, actor *models.Member, projectID string) (*models.Dashboard, error) {
	if err := inProject(actor, projectID); err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	next, _ := s.projector.NextActionableRelease(snap.Releases)
	return &models.Dashboard{
		NextReleaseID: next,
		Milestones:    s.projector.UpcomingMilestones(*actor, snap.Releases),
	}, nil
}

func (s *Service) NagList(ctx context.Context, actor *models.Member, projectID string) ([]models.Milestone, error) {
	if err := canManage(actor, projectID); err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.projector.NagList(snap.Releases, snap.Members), nil
}

func (s *Service) ListActivity(ctx context.Context, actor *models.Member, releaseID string, limit int) ([]models.ActivityLogEntry, error) {
	d, err := s.release(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if err := inProject(actor, d.ProjectID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	return s.store.ListActivity(ctx, releaseID, limit)
}

// Вспомогательные функции.
func (s *Service) mark(ctx context.Context, actor *models.Member, releaseID string, flag repo.Flag, typ models.ActivityType) (*models.ReleaseView, error) {
	d, err := s.release(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if err := canManage(actor, d.ProjectID); err != nil {
		return nil, err
	}
	closed := d.IsCancelled || d.IsDeployed
	if flag == repo.FlagArchived {
		closed = d.IsArchived
	}
	if closed {
		return nil, ErrReleaseImmutable
	}
	if err := s.store.MarkRelease(ctx, releaseID, flag); err != nil {
		return nil, s.releaseErr(err)
	}

	s.record(ctx, models.ActivityLogEntry{
		ProjectID: d.ProjectID,
		ReleaseID: releaseID,
		ActorID:   actor.ID,
		Type:      typ,
		Details:   map[string]any{},
	})
	return s.viewOf(ctx, d.ProjectID, releaseID)
}

// reconcile runs after a readiness-affecting mutation. The mutation already
// committed, so a failure here is only logged; the next trigger retries.
func (s *Service) reconcile(ctx context.Context, actor *models.Member, releaseID string) {
	if _, err := s.sync.Reconcile(ctx, releaseID, s.loader(actor, releaseID)); err != nil {
		s.log.Warn("readiness sync failed",
			zap.String("release_id", releaseID),
			zap.Error(err))
	}
}

func (s *Service) loader(actor *models.Member, releaseID string) func(context.Context) (readiness.Input, error) {
	return func(ctx context.Context) (readiness.Input, error) {
		d, err := s.store.GetRelease(ctx, releaseID)
		if err != nil {
			return readiness.Input{}, err
		}
		p, err := s.store.GetProject(ctx, d.ProjectID)
		if err != nil {
			return readiness.Input{}, err
		}
		return readiness.Input{
			Release:   d.Release,
			Features:  d.Features,
			Members:   d.MemberReadiness(),
			Persisted: d.IsReady,
			Actor:     models.ActorOf(*actor),
			Dims:      readiness.DimensionsFor(*p),
		}, nil
	}
}

// record appends an activity entry. Log failures never fail the caller.
func (s *Service) record(ctx context.Context, e models.ActivityLogEntry) {
	e.ID = s.newID()
	e.CreatedAt = s.clock.Now()
	if err := s.store.AppendActivity(ctx, e); err != nil {
		s.log.Error("activity log append failed",
			zap.String("type", string(e.Type)),
			zap.String("release_id", e.ReleaseID),
			zap.Error(err))
	}
}

func (s *Service) release(ctx context.Context, id string) (*models.ReleaseDetail, error) {
	d, err := s.store.GetRelease(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrReleaseNotFound
	}
	return d, err
}

func (s *Service) snapshot(ctx context.Context, projectID string) (*models.ProjectSnapshot, error) {
	snap, err := s.store.ProjectSnapshot(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrProjectNotFound
	}
	return snap, err
}

// viewOf classifies one release against its current siblings.
func (s *Service) viewOf(ctx context.Context, projectID, releaseID string) (*models.ReleaseView, error) {
	snap, err := s.snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	all := plainReleases(snap.Releases)
	for _, d := range snap.Releases {
		if d.ID == releaseID {
			v := view(d, s.classifier.Classify(d.Release, all), s.classifier.Today(), readiness.DimensionsFor(snap.Project))
			return &v, nil
		}
	}
	return nil, ErrReleaseNotFound
}

func (s *Service) releaseErr(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return ErrReleaseNotFound
	}
	return err
}

func view(d models.ReleaseDetail, state models.State, today datemath.Date, dims readiness.Dimensions) models.ReleaseView {
	return models.ReleaseView{
		ReleaseDetail: d,
		State:         state,
		DaysUntil:     datemath.DaysUntil(d.TargetDate, today),
		Readiness:     readiness.Summarize(d.Features, d.MemberReadiness(), dims),
	}
}

func assignment(d models.ReleaseDetail, memberID string) (string, models.MemberReadiness, bool) {
	for _, ta := range d.Teams {
		for _, m := range ta.Members {
			if m.MemberID == memberID {
				return ta.Team.ID, m, true
			}
		}
	}
	return "", models.MemberReadiness{}, false
}

func plainReleases(details []models.ReleaseDetail) []models.Release {
	out := make([]models.Release, 0, len(details))
	for _, d := range details {
		out = append(out, d.Release)
	}
	return out
}

func inProject(actor *models.Member, projectID string) error {
	if actor == nil {
		return ErrUnauthenticated
	}
	if actor.ProjectID != projectID {
		return ErrForbidden
	}
	return nil
}

func canManage(actor *models.Member, projectID string) error {
	if err := inProject(actor, projectID); err != nil {
		return err
	}
	if !actor.Role.CanManageReleases() {
		return ErrForbidden
	}
	return nil
}
