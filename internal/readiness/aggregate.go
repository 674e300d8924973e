// Package readiness rolls feature and member readiness up into a release-ready
// flag and keeps the persisted copy of that flag in sync.
package readiness

import "releasecheck/internal/models"

// FeaturesReady is false for an empty list: a release with no features is
// never ready.
func FeaturesReady(features []models.Feature) bool {
	if len(features) == 0 {
		return false
	}
	for _, f := range features {
		if !f.IsReady {
			return false
		}
	}
	return true
}

// MembersReady follows the same rule as FeaturesReady.
func MembersReady(members []models.MemberReadiness) bool {
	if len(members) == 0 {
		return false
	}
	for _, m := range members {
		if !m.IsReady {
			return false
		}
	}
	return true
}

func ReleaseReady(features []models.Feature, members []models.MemberReadiness) bool {
	return FeaturesReady(features) && MembersReady(members)
}

// Dimensions says which collections count. A project that does not manage
// features or members passes the matching Skip flag and that side is treated
// as ready; the aggregate functions above never infer this.
type Dimensions struct {
	SkipFeatures bool
	SkipMembers  bool
}

func DimensionsFor(p models.Project) Dimensions {
	return Dimensions{SkipFeatures: !p.IsManageFeatures, SkipMembers: !p.IsManageMembers}
}

func Summarize(features []models.Feature, members []models.MemberReadiness, dims Dimensions) models.ReadinessSummary {
	s := models.ReadinessSummary{
		FeaturesReady: dims.SkipFeatures || FeaturesReady(features),
		MembersReady:  dims.SkipMembers || MembersReady(members),
	}
	s.Ready = s.FeaturesReady && s.MembersReady
	return s
}
