package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"releasecheck/internal/clock"
	"releasecheck/internal/datemath"
	"releasecheck/internal/handlers"
	"releasecheck/internal/milestone"
	"releasecheck/internal/models"
	"releasecheck/internal/repo"
	"releasecheck/internal/service"
)

// memStore is an in-memory service.Store.
type memStore struct {
	mu           sync.Mutex
	projects     map[string]models.Project
	members      map[string]models.Member
	memberOrder  []string
	teams        map[string]models.Team
	releases     map[string]models.Release
	releaseTeams map[string][]string
	ready        map[string]map[string]bool
	features     []models.Feature
	activity     []models.ActivityLogEntry
	failSetReady error
	failRead     error
}

func newMemStore() *memStore {
	return &memStore{
		projects:     map[string]models.Project{},
		members:      map[string]models.Member{},
		teams:        map[string]models.Team{},
		releases:     map[string]models.Release{},
		releaseTeams: map[string][]string{},
		ready:        map[string]map[string]bool{},
	}
}

func (s *memStore) SetReleaseReady(_ context.Context, id string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSetReady != nil {
		return s.failSetReady
	}
	r, ok := s.releases[id]
	if !ok {
		return repo.ErrNotFound
	}
	r.IsReady = ready
	s.releases[id] = r
	return nil
}

func (s *memStore) AppendActivity(_ context.Context, e models.ActivityLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, e)
	return nil
}

func (s *memStore) CreateProject(_ context.Context, p models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	return nil
}

func (s *memStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &p, nil
}

func (s *memStore) CreateMember(_ context.Context, m models.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = m
	s.memberOrder = append(s.memberOrder, m.ID)
	return nil
}

func (s *memStore) HasMembers(_ context.Context, projectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.ProjectID == projectID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) GetMember(_ context.Context, id string) (*models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &m, nil
}

func (s *memStore) CreateTeam(_ context.Context, t models.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range t.MemberIDs {
		if _, ok := s.members[id]; !ok {
			return repo.ErrNotFound
		}
	}
	for _, id := range t.MemberIDs {
		m := s.members[id]
		m.TeamIDs = append(m.TeamIDs, t.ID)
		s.members[id] = m
	}
	s.teams[t.ID] = t
	return nil
}

func (s *memStore) ReleaseNameExists(_ context.Context, projectID, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.releases {
		if r.ProjectID == projectID && r.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) CreateRelease(_ context.Context, rel models.Release, teamIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range teamIDs {
		if _, ok := s.teams[id]; !ok {
			return repo.ErrNotFound
		}
	}
	s.releases[rel.ID] = rel
	s.releaseTeams[rel.ID] = teamIDs
	s.ready[rel.ID] = map[string]bool{}
	return nil
}

func (s *memStore) GetRelease(_ context.Context, id string) (*models.ReleaseDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.releases[id]; !ok {
		return nil, repo.ErrNotFound
	}
	d := s.detail(id)
	return &d, nil
}

func (s *memStore) ProjectSnapshot(_ context.Context, projectID string) (*models.ProjectSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRead != nil {
		return nil, s.failRead
	}
	p, ok := s.projects[projectID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	snap := &models.ProjectSnapshot{Project: p}
	for id, r := range s.releases {
		if r.ProjectID == projectID {
			snap.Releases = append(snap.Releases, s.detail(id))
		}
	}
	sort.Slice(snap.Releases, func(i, j int) bool {
		return snap.Releases[i].TargetDate.Before(snap.Releases[j].TargetDate)
	})
	for _, id := range s.memberOrder {
		if m := s.members[id]; m.ProjectID == projectID {
			snap.Members = append(snap.Members, m)
		}
	}
	return snap, nil
}

func (s *memStore) MarkRelease(_ context.Context, id string, flag repo.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.releases[id]
	if !ok {
		return repo.ErrNotFound
	}
	switch flag {
	case repo.FlagCancelled:
		r.IsCancelled = true
	case repo.FlagDeployed:
		r.IsDeployed = true
	case repo.FlagArchived:
		r.IsArchived = true
	}
	s.releases[id] = r
	return nil
}

func (s *memStore) RescheduleRelease(_ context.Context, id string, date datemath.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.releases[id]
	if !ok {
		return repo.ErrNotFound
	}
	r.TargetDate = date
	s.releases[id] = r
	return nil
}

func (s *memStore) DeleteRelease(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.releases[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.releases, id)
	return nil
}

func (s *memStore) CreateFeature(_ context.Context, f models.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features = append(s.features, f)
	return nil
}

func (s *memStore) GetFeature(_ context.Context, id string) (*models.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.features {
		if f.ID == id {
			return &f, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *memStore) SetFeatureReady(_ context.Context, id string, ready bool, comments *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.features {
		if s.features[i].ID == id {
			s.features[i].IsReady = ready
			if comments != nil {
				s.features[i].Comments = *comments
			}
			return nil
		}
	}
	return repo.ErrNotFound
}

func (s *memStore) DeleteFeature(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.features {
		if f.ID == id {
			s.features = append(s.features[:i], s.features[i+1:]...)
			return nil
		}
	}
	return repo.ErrNotFound
}

func (s *memStore) SetMemberReady(_ context.Context, memberID, releaseID string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready[releaseID][memberID] = ready
	return nil
}

func (s *memStore) ListActivity(_ context.Context, releaseID string, limit int) ([]models.ActivityLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.ActivityLogEntry{}
	for i := len(s.activity) - 1; i >= 0 && len(out) < limit; i-- {
		if s.activity[i].ReleaseID == releaseID {
			out = append(out, s.activity[i])
		}
	}
	return out, nil
}

// detail expects s.mu to be held.
func (s *memStore) detail(id string) models.ReleaseDetail {
	d := models.ReleaseDetail{Release: s.releases[id], Features: []models.Feature{}, Teams: []models.TeamAssignment{}}
	for _, f := range s.features {
		if f.ReleaseID == id {
			d.Features = append(d.Features, f)
		}
	}
	for _, tid := range s.releaseTeams[id] {
		t := s.teams[tid]
		ta := models.TeamAssignment{Team: t, Members: []models.MemberReadiness{}}
		for _, mid := range t.MemberIDs {
			ta.Members = append(ta.Members, models.MemberReadiness{
				MemberID: mid,
				Nickname: s.members[mid].Nickname,
				IsReady:  s.ready[id][mid],
			})
		}
		d.Teams = append(d.Teams, ta)
	}
	return d
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fixture struct {
	t       *testing.T
	store   *memStore
	router  http.Handler
	project string
	manager string
	dev     string
	team    string
}

func newFixture(t *testing.T) *fixture {
	store := newMemStore()
	c := clock.Fixed{T: time.Date(2026, 10, 15, 10, 0, 0, 0, time.Local)}
	svc := service.New(store, c, milestone.New(c, 10, 20), zap.NewNop())
	h := handlers.New(svc, zap.NewNop())

	f := &fixture{t: t, store: store, router: handlers.NewRouter(h, pinger{}, 0)}

	var p struct{ Project models.Project }
	f.decode(f.do(http.MethodPost, "/projects", "", map[string]any{"name": "Apollo"}), http.StatusCreated, &p)
	f.project = p.Project.ID

	f.manager = f.member("Manager", models.RoleReleaseManager)
	f.dev = f.member("Dev", models.RoleMember)

	var team struct{ Team models.Team }
	f.decode(f.do(http.MethodPost, "/projects/"+f.project+"/teams", f.manager, map[string]any{
		"name":       "Core",
		"member_ids": []string{f.dev},
	}), http.StatusCreated, &team)
	f.team = team.Team.ID
	return f
}

// member is created by the manager, or anonymously while the project is empty.
func (f *fixture) member(nick string, role models.Role) string {
	var m struct{ Member models.Member }
	f.decode(f.do(http.MethodPost, "/projects/"+f.project+"/members", f.manager, map[string]any{
		"nickname": nick,
		"role":     role,
	}), http.StatusCreated, &m)
	return m.Member.ID
}

func (f *fixture) release(name, date string) string {
	var r struct{ Release models.ReleaseView }
	f.decode(f.do(http.MethodPost, "/projects/"+f.project+"/releases", f.manager, map[string]any{
		"name":        name,
		"target_date": date,
		"team_ids":    []string{f.team},
	}), http.StatusCreated, &r)
	return r.Release.ID
}

func (f *fixture) feature(releaseID, dri string) string {
	var r struct{ Feature models.Feature }
	f.decode(f.do(http.MethodPost, "/releases/"+releaseID+"/features", f.manager, map[string]any{
		"name":   "Login",
		"dri_id": dri,
	}), http.StatusCreated, &r)
	return r.Feature.ID
}

func (f *fixture) do(method, path, memberID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if memberID != "" {
		req.Header.Set("X-Member-ID", memberID)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) decode(rec *httptest.ResponseRecorder, status int, v any) {
	require.Equal(f.t, status, rec.Code, rec.Body.String())
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), v))
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	var e struct {
		Error struct{ Code string }
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e.Error.Code
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h := handlers.New(nil, zap.NewNop())
	router := handlers.NewRouter(h, pinger{err: errors.New("down")}, 0)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownMemberIsUnauthenticated(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/projects/"+f.project+"/releases", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/projects/"+f.project+"/releases", "ghost", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", errCode(t, rec))
}

func TestReadinessFlowThroughHTTP(t *testing.T) {
	f := newFixture(t)
	rel := f.release("R1", "2026-10-20")
	feat := f.feature(rel, f.dev)

	rec := f.do(http.MethodPost, "/releases/"+rel+"/members/"+f.dev+"/ready", f.dev, map[string]any{"is_ready": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got struct{ Release models.ReleaseView }
	f.decode(f.do(http.MethodGet, "/releases/"+rel, f.dev, nil), http.StatusOK, &got)
	assert.False(t, got.Release.IsReady)
	assert.True(t, got.Release.Readiness.MembersReady)
	assert.False(t, got.Release.Readiness.FeaturesReady)
	assert.Equal(t, models.StateNext, got.Release.State)
	assert.Equal(t, 5, got.Release.DaysUntil)

	rec = f.do(http.MethodPost, "/features/"+feat+"/ready", f.dev, map[string]any{"is_ready": true, "comments": "done"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f.decode(f.do(http.MethodGet, "/releases/"+rel, f.dev, nil), http.StatusOK, &got)
	assert.True(t, got.Release.IsReady)
	assert.True(t, got.Release.Readiness.Ready)

	var sync struct{ Changed bool }
	f.decode(f.do(http.MethodPost, "/releases/"+rel+"/sync", f.dev, nil), http.StatusOK, &sync)
	assert.False(t, sync.Changed)

	var act struct{ Activity []models.ActivityLogEntry }
	f.decode(f.do(http.MethodGet, "/releases/"+rel+"/activity", f.dev, nil), http.StatusOK, &act)
	changes := 0
	for _, e := range act.Activity {
		if e.Type == models.ActivityReleaseReadyChange {
			changes++
			assert.Equal(t, true, e.Details["new"])
		}
	}
	assert.Equal(t, 1, changes)
}

func TestCreateReleaseErrors(t *testing.T) {
	f := newFixture(t)
	path := "/projects/" + f.project + "/releases"

	t.Run("member is forbidden", func(t *testing.T) {
		rec := f.do(http.MethodPost, path, f.dev, map[string]any{"name": "X", "target_date": "2026-11-01"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("invalid date", func(t *testing.T) {
		rec := f.do(http.MethodPost, path, f.manager, map[string]any{"name": "X", "target_date": "11/01/2026"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_DATE", errCode(t, rec))
	})

	t.Run("missing name", func(t *testing.T) {
		rec := f.do(http.MethodPost, path, f.manager, map[string]any{"target_date": "2026-11-01"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("duplicate name", func(t *testing.T) {
		f.release("Dup", "2026-11-01")
		rec := f.do(http.MethodPost, path, f.manager, map[string]any{"name": "Dup", "target_date": "2026-11-02"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "RELEASE_EXISTS", errCode(t, rec))
	})

	t.Run("unknown team", func(t *testing.T) {
		rec := f.do(http.MethodPost, path, f.manager, map[string]any{
			"name": "Y", "target_date": "2026-11-01", "team_ids": []string{"nope"},
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSyncStoreFailureIsDataAccess(t *testing.T) {
	f := newFixture(t)
	rel := f.release("R1", "2026-10-20")
	feat := f.feature(rel, f.dev)
	rec := f.do(http.MethodPost, "/releases/"+rel+"/members/"+f.dev+"/ready", f.dev, map[string]any{"is_ready": true})
	require.Equal(t, http.StatusOK, rec.Code)

	f.store.failSetReady = errors.New("connection refused")

	// The mutation itself commits even though the follow-up sync fails.
	rec = f.do(http.MethodPost, "/features/"+feat+"/ready", f.dev, map[string]any{"is_ready": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/releases/"+rel+"/sync", f.dev, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "DATA_ACCESS", errCode(t, rec))

	f.store.failSetReady = nil
	var sync struct{ Changed bool }
	f.decode(f.do(http.MethodPost, "/releases/"+rel+"/sync", f.dev, nil), http.StatusOK, &sync)
	assert.True(t, sync.Changed)
}

func TestMemberReadyRequiresAssignment(t *testing.T) {
	f := newFixture(t)
	rel := f.release("R1", "2026-10-20")

	rec := f.do(http.MethodPost, "/releases/"+rel+"/members/"+f.manager+"/ready", f.manager, map[string]any{"is_ready": true})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_ON_RELEASE", errCode(t, rec))

	other := f.member("Other", models.RoleMember)
	rec = f.do(http.MethodPost, "/releases/"+rel+"/members/"+f.dev+"/ready", other, map[string]any{"is_ready": true})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReleaseTransitions(t *testing.T) {
	f := newFixture(t)
	rel := f.release("R1", "2026-10-20")

	var got struct{ Release models.ReleaseView }
	f.decode(f.do(http.MethodPost, "/releases/"+rel+"/deploy", f.manager, nil), http.StatusOK, &got)
	assert.Equal(t, models.StateDeployed, got.Release.State)

	rec := f.do(http.MethodPost, "/releases/"+rel+"/reschedule", f.manager, map[string]any{"target_date": "2026-12-01"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RELEASE_CLOSED", errCode(t, rec))

	rec = f.do(http.MethodDelete, "/releases/"+rel, f.manager, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/releases/"+rel, f.manager, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDashboardAndNag(t *testing.T) {
	f := newFixture(t)
	rel := f.release("R1", "2026-10-20")
	f.feature(rel, f.dev)

	var dash models.Dashboard
	f.decode(f.do(http.MethodGet, "/projects/"+f.project+"/dashboard", f.dev, nil), http.StatusOK, &dash)
	assert.Equal(t, rel, dash.NextReleaseID)
	require.Len(t, dash.Milestones, 2)
	for _, m := range dash.Milestones {
		assert.True(t, m.ActionRequired)
	}

	rec := f.do(http.MethodGet, "/projects/"+f.project+"/nag", f.dev, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var nag struct{ Milestones []models.Milestone }
	f.decode(f.do(http.MethodGet, "/projects/"+f.project+"/nag", f.manager, nil), http.StatusOK, &nag)
	require.Len(t, nag.Milestones, 2)
	assert.Equal(t, "Dev", nag.Milestones[0].MemberName)
}

func TestActivityLimitValidation(t *testing.T) {
	f := newFixture(t)
	rel := f.release("R1", "2026-10-20")

	rec := f.do(http.MethodGet, "/releases/"+rel+"/activity?limit=abc", f.manager, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var act struct{ Activity []models.ActivityLogEntry }
	f.decode(f.do(http.MethodGet, "/releases/"+rel+"/activity?limit=1", f.manager, nil), http.StatusOK, &act)
	require.Len(t, act.Activity, 1)
	assert.Equal(t, models.ActivityReleaseCreated, act.Activity[0].Type)
}

func TestCreateMemberRequiresManagerOncePopulated(t *testing.T) {
	f := newFixture(t)
	path := "/projects/" + f.project + "/members"
	body := map[string]any{"nickname": "intruder", "role": "admin"}

	rec := f.do(http.MethodPost, path, "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, path, f.dev, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, path, f.manager, body)
	assert.Equal(t, http.StatusForbidden, rec.Code, "only an admin grants admin")

	var m struct{ Member models.Member }
	f.decode(f.do(http.MethodPost, path, f.manager, map[string]any{"nickname": "helper"}), http.StatusCreated, &m)
	assert.Equal(t, models.RoleMember, m.Member.Role)

	rec = f.do(http.MethodPost, path, m.Member.ID, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRepeatedTransitionIsRejected(t *testing.T) {
	f := newFixture(t)
	rel := f.release("R1", "2026-10-20")

	rec := f.do(http.MethodPost, "/releases/"+rel+"/cancel", f.manager, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, action := range []string{"cancel", "deploy"} {
		rec = f.do(http.MethodPost, "/releases/"+rel+"/"+action, f.manager, nil)
		assert.Equal(t, http.StatusConflict, rec.Code, action)
		assert.Equal(t, "RELEASE_CLOSED", errCode(t, rec))
	}

	cancelled := 0
	for _, e := range f.store.activity {
		if e.Type == models.ActivityReleaseCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestReadFailureIsDataAccess(t *testing.T) {
	f := newFixture(t)
	f.release("R1", "2026-10-20")
	f.store.failRead = errors.New("connection reset")

	for _, path := range []string{"/releases", "/dashboard", "/nag"} {
		rec := f.do(http.MethodGet, "/projects/"+f.project+path, f.manager, nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code, path)
		assert.Equal(t, "DATA_ACCESS", errCode(t, rec))
	}
}
