// Package release derives a release's display state. This is the only place
// that logic lives; list, detail and calendar views all call Classify.
package release

import (
	"releasecheck/internal/clock"
	"releasecheck/internal/datemath"
	"releasecheck/internal/models"
)

type Classifier struct {
	clock clock.Clock
}

func NewClassifier(c clock.Clock) *Classifier {
	return &Classifier{clock: c}
}

func (c *Classifier) Today() datemath.Date {
	return datemath.Today(c.clock)
}

func (c *Classifier) Classify(r models.Release, all []models.Release) models.State {
	today := c.Today()
	next, _ := NextID(all, today)
	return classify(r, today, next)
}

// ClassifyAll computes the state of every release in one pass.
func (c *Classifier) ClassifyAll(all []models.Release) map[string]models.State {
	today := c.Today()
	next, _ := NextID(all, today)
	states := make(map[string]models.State, len(all))
	for _, r := range all {
		states[r.ID] = classify(r, today, next)
	}
	return states
}

// ClassifyAt is Classify against an explicit date.
func ClassifyAt(r models.Release, all []models.Release, today datemath.Date) models.State {
	next, _ := NextID(all, today)
	return classify(r, today, next)
}

func classify(r models.Release, today datemath.Date, next string) models.State {
	switch {
	case r.IsCancelled:
		return models.StateCancelled
	case r.IsDeployed:
		return models.StateDeployed
	case datemath.IsPast(r.TargetDate, today):
		return models.StatePastDue
	case next != "" && r.ID == next:
		return models.StateNext
	default:
		return models.StatePending
	}
}

// NextID returns the earliest release that is neither cancelled, deployed nor
// past due. Releases sharing a target date are ordered by ID.
func NextID(all []models.Release, today datemath.Date) (string, bool) {
	var best *models.Release
	for i := range all {
		r := &all[i]
		if r.IsCancelled || r.IsDeployed || datemath.IsPast(r.TargetDate, today) {
			continue
		}
		if best == nil || earlier(r, best) {
			best = r
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

func earlier(a, b *models.Release) bool {
	if c := a.TargetDate.Compare(b.TargetDate); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}
