package models

import (
	"time"

	"releasecheck/internal/datemath"
)

type Role string

const (
	RoleMember         Role = "member"
	RoleReleaseManager Role = "release_manager"
	RoleAdmin          Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleReleaseManager, RoleAdmin:
		return true
	}
	return false
}

// CanManageReleases reports release manager privilege; admins have it too.
func (r Role) CanManageReleases() bool {
	return r == RoleReleaseManager || r == RoleAdmin
}

type State string

const (
	StateCancelled State = "cancelled"
	StateDeployed  State = "deployed"
	StatePastDue   State = "past_due"
	StateNext      State = "next"
	StatePending   State = "pending"
)

type Project struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	IsManageMembers  bool   `json:"is_manage_members"`
	IsManageFeatures bool   `json:"is_manage_features"`
}

type Member struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	Nickname  string   `json:"nickname"`
	Role      Role     `json:"role"`
	TeamIDs   []string `json:"team_ids"`
}

type Team struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MemberIDs   []string `json:"member_ids"`
}

type Release struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	Name        string        `json:"name"`
	TargetDate  datemath.Date `json:"target_date"`
	IsCancelled bool          `json:"is_cancelled"`
	IsDeployed  bool          `json:"is_deployed"`
	IsArchived  bool          `json:"is_archived"`
	IsReady     bool          `json:"is_ready"`
}

// Active releases still need work from someone.
func (r Release) Active() bool {
	return !r.IsCancelled && !r.IsDeployed && !r.IsArchived
}

type Feature struct {
	ID        string `json:"id"`
	ReleaseID string `json:"release_id"`
	Name      string `json:"name"`
	DRIID     string `json:"dri_id,omitempty"`
	IsReady   bool   `json:"is_ready"`
	Comments  string `json:"comments,omitempty"`
}

type MemberReadiness struct {
	MemberID string `json:"member_id"`
	Nickname string `json:"nickname"`
	IsReady  bool   `json:"is_ready"`
}

type TeamAssignment struct {
	Team    Team              `json:"team"`
	Members []MemberReadiness `json:"members"`
}

// ReleaseDetail is the normalised read shape handed to the core: a release
// with its features and the teams assigned to it.
type ReleaseDetail struct {
	Release
	Features []Feature        `json:"features"`
	Teams    []TeamAssignment `json:"teams"`
}

// MemberReadiness flattens team assignments into one entry per member. A
// member on several assigned teams appears once.
func (d ReleaseDetail) MemberReadiness() []MemberReadiness {
	seen := make(map[string]bool)
	out := []MemberReadiness{}
	for _, ta := range d.Teams {
		for _, m := range ta.Members {
			if seen[m.MemberID] {
				continue
			}
			seen[m.MemberID] = true
			out = append(out, m)
		}
	}
	return out
}

type ProjectSnapshot struct {
	Project  Project         `json:"project"`
	Releases []ReleaseDetail `json:"releases"`
	Members  []Member        `json:"members"`
}

// Actor is the caller on whose behalf an operation runs.
type Actor struct {
	MemberID string
	Nickname string
	Role     Role
}

func ActorOf(m Member) Actor {
	return Actor{MemberID: m.ID, Nickname: m.Nickname, Role: m.Role}
}

type ActivityType string

const (
	ActivityReleaseReadyChange ActivityType = "release_ready_change"
	ActivityMemberReady        ActivityType = "member_ready"
	ActivityFeatureReady       ActivityType = "feature_ready"
	ActivityReleaseCreated     ActivityType = "release_created"
	ActivityReleaseCancelled   ActivityType = "release_cancelled"
	ActivityReleaseDeployed    ActivityType = "release_deployed"
	ActivityReleaseArchived    ActivityType = "release_archived"
	ActivityReleaseRescheduled ActivityType = "release_rescheduled"
	ActivityFeatureCreated     ActivityType = "feature_created"
	ActivityFeatureDeleted     ActivityType = "feature_deleted"
)

type ActivityLogEntry struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	ReleaseID string         `json:"release_id,omitempty"`
	FeatureID string         `json:"feature_id,omitempty"`
	TeamID    string         `json:"team_id,omitempty"`
	MemberID  string         `json:"member_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Type      ActivityType   `json:"type"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

type MilestoneType string

const (
	MilestoneTeamMember MilestoneType = "team_member"
	MilestoneDRI        MilestoneType = "dri"
)

type Milestone struct {
	Type           MilestoneType `json:"type"`
	ReleaseID      string        `json:"release_id"`
	ReleaseName    string        `json:"release_name"`
	TargetDate     datemath.Date `json:"target_date"`
	FeatureID      string        `json:"feature_id,omitempty"`
	FeatureName    string        `json:"feature_name,omitempty"`
	MemberID       string        `json:"member_id"`
	MemberName     string        `json:"member_name"`
	ActionRequired bool          `json:"action_required"`
}

type ReadinessSummary struct {
	FeaturesReady bool `json:"features_ready"`
	MembersReady  bool `json:"members_ready"`
	Ready         bool `json:"ready"`
}

type ReleaseView struct {
	ReleaseDetail
	State     State            `json:"state"`
	DaysUntil int              `json:"days_until"`
	Readiness ReadinessSummary `json:"readiness"`
}

type Dashboard struct {
	NextReleaseID string      `json:"next_release_id,omitempty"`
	Milestones    []Milestone `json:"milestones"`
}
