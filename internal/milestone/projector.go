// Package milestone projects releases into per-user and organisation-wide
// to-do views: what is next, and who still owes a ready mark.
package milestone

import (
	"releasecheck/internal/clock"
	"releasecheck/internal/datemath"
	"releasecheck/internal/models"
	"releasecheck/internal/release"
)

const (
	DefaultUpcomingLimit = 10
	DefaultNagLimit      = 20
)

type Projector struct {
	clock         clock.Clock
	upcomingLimit int
	nagLimit      int
}

// New returns a Projector. Non-positive limits fall back to the defaults.
func New(c clock.Clock, upcomingLimit, nagLimit int) *Projector {
	if upcomingLimit <= 0 {
		upcomingLimit = DefaultUpcomingLimit
	}
	if nagLimit <= 0 {
		nagLimit = DefaultNagLimit
	}
	return &Projector{clock: c, upcomingLimit: upcomingLimit, nagLimit: nagLimit}
}

func (p *Projector) NextActionableRelease(releases []models.ReleaseDetail) (string, bool) {
	return release.NextID(plain(releases), datemath.Today(p.clock))
}

// UpcomingMilestones lists what user still has to mark ready: one entry per
// active release one of the user's teams is assigned to, and one per feature
// the user is DRI for.
func (p *Projector) UpcomingMilestones(user models.Member, releases []models.ReleaseDetail) []models.Milestone {
	next, _ := p.NextActionableRelease(releases)

	out := []models.Milestone{}
	for _, r := range releases {
		if !r.Active() {
			continue
		}
		if m, ok := findMember(r, user.ID); ok && !m.IsReady {
			out = append(out, teamMilestone(r, m, next))
		}
		for _, f := range r.Features {
			if f.DRIID == user.ID && !f.IsReady {
				out = append(out, driMilestone(r, f, user.Nickname, next))
			}
		}
	}
	return sortAndLimit(out, p.upcomingLimit)
}

// NagList is UpcomingMilestones for everyone at once.
func (p *Projector) NagList(releases []models.ReleaseDetail, members []models.Member) []models.Milestone {
	next, _ := p.NextActionableRelease(releases)

	names := make(map[string]string, len(members))
	for _, m := range members {
		names[m.ID] = m.Nickname
	}

	out := []models.Milestone{}
	for _, r := range releases {
		if !r.Active() {
			continue
		}
		for _, m := range r.MemberReadiness() {
			if !m.IsReady {
				out = append(out, teamMilestone(r, m, next))
			}
		}
		for _, f := range r.Features {
			if f.DRIID != "" && !f.IsReady {
				out = append(out, driMilestone(r, f, names[f.DRIID], next))
			}
		}
	}
	return sortAndLimit(out, p.nagLimit)
}

func findMember(r models.ReleaseDetail, memberID string) (models.MemberReadiness, bool) {
	for _, m := range r.MemberReadiness() {
		if m.MemberID == memberID {
			return m, true
		}
	}
	return models.MemberReadiness{}, false
}

func teamMilestone(r models.ReleaseDetail, m models.MemberReadiness, next string) models.Milestone {
	return models.Milestone{
		Type:           models.MilestoneTeamMember,
		ReleaseID:      r.ID,
		ReleaseName:    r.Name,
		TargetDate:     r.TargetDate,
		MemberID:       m.MemberID,
		MemberName:     m.Nickname,
		ActionRequired: r.ID == next,
	}
}

func driMilestone(r models.ReleaseDetail, f models.Feature, driName, next string) models.Milestone {
	return models.Milestone{
		Type:           models.MilestoneDRI,
		ReleaseID:      r.ID,
		ReleaseName:    r.Name,
		TargetDate:     r.TargetDate,
		FeatureID:      f.ID,
		FeatureName:    f.Name,
		MemberID:       f.DRIID,
		MemberName:     driName,
		ActionRequired: r.ID == next,
	}
}

func sortAndLimit(ms []models.Milestone, limit int) []models.Milestone {
	datemath.SortByDate(ms, func(m models.Milestone) datemath.Date { return m.TargetDate }, milestoneLess)
	if len(ms) > limit {
		ms = ms[:limit]
	}
	return ms
}

// milestoneLess orders milestones on the same date: by release, team entries
// before DRI entries, then by member and feature.
func milestoneLess(a, b models.Milestone) bool {
	if a.ReleaseID != b.ReleaseID {
		return a.ReleaseID < b.ReleaseID
	}
	if a.Type != b.Type {
		return a.Type == models.MilestoneTeamMember
	}
	if a.MemberID != b.MemberID {
		return a.MemberID < b.MemberID
	}
	return a.FeatureID < b.FeatureID
}

func plain(details []models.ReleaseDetail) []models.Release {
	out := make([]models.Release, 0, len(details))
	for _, d := range details {
		out = append(out, d.Release)
	}
	return out
}
