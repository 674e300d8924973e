package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"releasecheck/internal/apierr"
	"releasecheck/internal/datemath"
	"releasecheck/internal/models"
	"releasecheck/internal/readiness"
	"releasecheck/internal/service"
)

const memberHeader = "X-Member-ID"

type Handler struct {
	svc *service.Service
	log *zap.Logger
}

func New(s *service.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: s, log: log}
}

func (h *Handler) respond(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.log.Error("respond: failed to encode response", zap.Error(err))
		}
	}
}

// fail maps service errors to API errors. The service returns either one of
// its sentinels or an error from the store, so anything else is a data-access
// failure.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var storeErr *readiness.StoreError
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		apierr.Write(w, apierr.ErrUnauthenticated)
	case errors.Is(err, service.ErrForbidden):
		apierr.Write(w, apierr.ErrForbidden)
	case errors.Is(err, service.ErrInvalidInput):
		apierr.BadRequest(w, err.Error())
	case errors.Is(err, datemath.ErrInvalidDate):
		apierr.Write(w, apierr.ErrInvalidDate)
	case errors.Is(err, service.ErrProjectNotFound):
		apierr.Write(w, apierr.ErrProjectNotFound)
	case errors.Is(err, service.ErrMemberNotFound):
		apierr.Write(w, apierr.ErrMemberNotFound)
	case errors.Is(err, service.ErrTeamNotFound):
		apierr.Write(w, apierr.ErrTeamNotFound)
	case errors.Is(err, service.ErrReleaseNotFound):
		apierr.Write(w, apierr.ErrReleaseNotFound)
	case errors.Is(err, service.ErrFeatureNotFound):
		apierr.Write(w, apierr.ErrFeatureNotFound)
	case errors.Is(err, service.ErrReleaseExists):
		apierr.Write(w, apierr.ErrReleaseExists)
	case errors.Is(err, service.ErrNotOnRelease):
		apierr.Write(w, apierr.ErrNotOnRelease)
	case errors.Is(err, service.ErrReleaseImmutable):
		apierr.Write(w, apierr.ErrReleaseImmutable)
	case errors.As(err, &storeErr):
		h.log.Error(op+": data access failed", zap.String("op", storeErr.Op), zap.Error(err))
		apierr.Write(w, apierr.ErrDataAccess)
	default:
		h.log.Error(op+": store failed", zap.Error(err))
		apierr.Write(w, apierr.ErrDataAccess)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, op string, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.log.Info(op+": failed to decode request body", zap.Error(err))
		if errors.Is(err, datemath.ErrInvalidDate) {
			apierr.Write(w, apierr.ErrInvalidDate)
		} else {
			apierr.Write(w, apierr.ErrBadJSON)
		}
		return false
	}
	return true
}

// actor resolves the calling member from the X-Member-ID header.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (*models.Member, bool) {
	m, err := h.svc.Authenticate(r.Context(), r.Header.Get(memberHeader))
	if err != nil {
		h.fail(w, "authenticate", err)
		return nil, false
	}
	return m, true
}

func (h *Handler) ProjectCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name             string `json:"name"`
		IsManageMembers  *bool  `json:"is_manage_members"`
		IsManageFeatures *bool  `json:"is_manage_features"`
	}
	if !h.decode(w, r, "ProjectCreate", &req) {
		return
	}

	p, err := h.svc.CreateProject(r.Context(), req.Name, boolOr(req.IsManageMembers, true), boolOr(req.IsManageFeatures, true))
	if err != nil {
		h.fail(w, "ProjectCreate", err)
		return
	}

	h.log.Info("ProjectCreate: project created", zap.String("project_id", p.ID))
	h.respond(w, http.StatusCreated, map[string]*models.Project{"project": p})
}

func (h *Handler) ProjectGet(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	p, err := h.svc.GetProject(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		h.fail(w, "ProjectGet", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]*models.Project{"project": p})
}

func (h *Handler) MemberCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Nickname string      `json:"nickname"`
		Role     models.Role `json:"role"`
	}
	if !h.decode(w, r, "MemberCreate", &req) {
		return
	}

	// The first member of a project is created without an actor.
	var actor *models.Member
	if r.Header.Get(memberHeader) != "" {
		var ok bool
		if actor, ok = h.actor(w, r); !ok {
			return
		}
	}

	m, err := h.svc.CreateMember(r.Context(), actor, chi.URLParam(r, "projectID"), req.Nickname, req.Role)
	if err != nil {
		h.fail(w, "MemberCreate", err)
		return
	}

	h.log.Info("MemberCreate: member created", zap.String("member_id", m.ID), zap.String("role", string(m.Role)))
	h.respond(w, http.StatusCreated, map[string]*models.Member{"member": m})
}

func (h *Handler) TeamCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		MemberIDs   []string `json:"member_ids"`
	}
	if !h.decode(w, r, "TeamCreate", &req) {
		return
	}

	t, err := h.svc.CreateTeam(r.Context(), actor, chi.URLParam(r, "projectID"), req.Name, req.Description, req.MemberIDs)
	if err != nil {
		h.fail(w, "TeamCreate", err)
		return
	}

	h.log.Info("TeamCreate: team created", zap.String("team_id", t.ID), zap.Int("members", len(t.MemberIDs)))
	h.respond(w, http.StatusCreated, map[string]*models.Team{"team": t})
}

func (h *Handler) ReleaseList(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	views, err := h.svc.ListReleases(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		h.fail(w, "ReleaseList", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{"releases": views})
}

func (h *Handler) ReleaseCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Name       string        `json:"name"`
		TargetDate datemath.Date `json:"target_date"`
		TeamIDs    []string      `json:"team_ids"`
	}
	if !h.decode(w, r, "ReleaseCreate", &req) {
		return
	}

	v, err := h.svc.CreateRelease(r.Context(), actor, chi.URLParam(r, "projectID"), req.Name, req.TargetDate, req.TeamIDs)
	if err != nil {
		h.fail(w, "ReleaseCreate", err)
		return
	}

	h.log.Info("ReleaseCreate: release created",
		zap.String("release_id", v.ID),
		zap.String("target_date", v.TargetDate.String()),
		zap.String("state", string(v.State)))
	h.respond(w, http.StatusCreated, map[string]*models.ReleaseView{"release": v})
}

func (h *Handler) ReleaseGet(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	v, err := h.svc.GetRelease(r.Context(), actor, chi.URLParam(r, "releaseID"))
	if err != nil {
		h.fail(w, "ReleaseGet", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]*models.ReleaseView{"release": v})
}

func (h *Handler) ReleaseCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "ReleaseCancel", h.svc.CancelRelease)
}

func (h *Handler) ReleaseDeploy(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "ReleaseDeploy", h.svc.DeployRelease)
}

func (h *Handler) ReleaseArchive(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "ReleaseArchive", h.svc.ArchiveRelease)
}

func (h *Handler) ReleaseReschedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		TargetDate datemath.Date `json:"target_date"`
	}
	if !h.decode(w, r, "ReleaseReschedule", &req) {
		return
	}

	v, err := h.svc.RescheduleRelease(r.Context(), actor, chi.URLParam(r, "releaseID"), req.TargetDate)
	if err != nil {
		h.fail(w, "ReleaseReschedule", err)
		return
	}

	h.log.Info("ReleaseReschedule: release rescheduled",
		zap.String("release_id", v.ID),
		zap.String("target_date", v.TargetDate.String()))
	h.respond(w, http.StatusOK, map[string]*models.ReleaseView{"release": v})
}

func (h *Handler) ReleaseDelete(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "releaseID")
	if err := h.svc.DeleteRelease(r.Context(), actor, id); err != nil {
		h.fail(w, "ReleaseDelete", err)
		return
	}
	h.log.Info("ReleaseDelete: release deleted", zap.String("release_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) FeatureCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Name     string `json:"name"`
		DRIID    string `json:"dri_id"`
		Comments string `json:"comments"`
	}
	if !h.decode(w, r, "FeatureCreate", &req) {
		return
	}

	f, err := h.svc.CreateFeature(r.Context(), actor, chi.URLParam(r, "releaseID"), req.Name, req.DRIID, req.Comments)
	if err != nil {
		h.fail(w, "FeatureCreate", err)
		return
	}

	h.log.Info("FeatureCreate: feature created", zap.String("feature_id", f.ID), zap.String("release_id", f.ReleaseID))
	h.respond(w, http.StatusCreated, map[string]*models.Feature{"feature": f})
}

func (h *Handler) FeatureSetReady(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		IsReady  bool    `json:"is_ready"`
		Comments *string `json:"comments"`
	}
	if !h.decode(w, r, "FeatureSetReady", &req) {
		return
	}

	f, err := h.svc.SetFeatureReady(r.Context(), actor, chi.URLParam(r, "featureID"), req.IsReady, req.Comments)
	if err != nil {
		h.fail(w, "FeatureSetReady", err)
		return
	}

	h.log.Info("FeatureSetReady: feature readiness updated",
		zap.String("feature_id", f.ID),
		zap.Bool("is_ready", f.IsReady),
		zap.String("actor_id", actor.ID))
	h.respond(w, http.StatusOK, map[string]*models.Feature{"feature": f})
}

func (h *Handler) FeatureDelete(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "featureID")
	if err := h.svc.DeleteFeature(r.Context(), actor, id); err != nil {
		h.fail(w, "FeatureDelete", err)
		return
	}
	h.log.Info("FeatureDelete: feature deleted", zap.String("feature_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MemberSetReady(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		IsReady bool `json:"is_ready"`
	}
	if !h.decode(w, r, "MemberSetReady", &req) {
		return
	}

	releaseID, memberID := chi.URLParam(r, "releaseID"), chi.URLParam(r, "memberID")
	mr, err := h.svc.SetMemberReady(r.Context(), actor, releaseID, memberID, req.IsReady)
	if err != nil {
		h.fail(w, "MemberSetReady", err)
		return
	}

	h.log.Info("MemberSetReady: member readiness updated",
		zap.String("release_id", releaseID),
		zap.String("member_id", memberID),
		zap.Bool("is_ready", mr.IsReady))
	h.respond(w, http.StatusOK, map[string]*models.MemberReadiness{"member": mr})
}

func (h *Handler) ReleaseSync(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	entry, err := h.svc.SyncRelease(r.Context(), actor, chi.URLParam(r, "releaseID"))
	if err != nil {
		h.fail(w, "ReleaseSync", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{
		"changed":  entry != nil,
		"activity": entry,
	})
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	d, err := h.svc.Dashboard(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		h.fail(w, "Dashboard", err)
		return
	}
	h.respond(w, http.StatusOK, d)
}

func (h *Handler) NagList(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	nags, err := h.svc.NagList(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		h.fail(w, "NagList", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{"milestones": nags})
}

func (h *Handler) ActivityList(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			apierr.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := h.svc.ListActivity(r.Context(), actor, chi.URLParam(r, "releaseID"), limit)
	if err != nil {
		h.fail(w, "ActivityList", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{"activity": entries})
}

// Вспомогательные функции.
type transitionFunc func(ctx context.Context, actor *models.Member, releaseID string) (*models.ReleaseView, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn transitionFunc) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	v, err := fn(r.Context(), actor, chi.URLParam(r, "releaseID"))
	if err != nil {
		h.fail(w, op, err)
		return
	}
	h.log.Info(op+": release updated", zap.String("release_id", v.ID), zap.String("state", string(v.State)))
	h.respond(w, http.StatusOK, map[string]*models.ReleaseView{"release": v})
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
