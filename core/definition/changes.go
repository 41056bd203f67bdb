package definition

import (
	"context"
	"sort"
	"time"

	"github.com/procdef/procdef/core/security"
)

// attributeChanges walks a definition's deployments oldest to newest and
// assigns each manifest entry to the first version whose archive carries it.
// A deployment without a readable manifest contributes nothing but still
// advances the walk.
func attributeChanges(deployments []*Deployment) []Change {
	var changes []Change
	previousCount := 0
	for _, dep := range deployments {
		parsed, err := Parse(dep.Content)
		if err != nil {
			continue
		}
		history := parsed.VersionHistory
		for i := previousCount; i < len(history); i++ {
			changes = append(changes, Change{
				Version: dep.Version,
				Date:    history[i].Date,
				Author:  history[i].Author,
				Comment: history[i].Comment,
			})
		}
		if len(history) > previousCount {
			previousCount = len(history)
		}
	}
	return changes
}

// Changes returns the full attributed change list of the definition the
// given deployment belongs to.
func (m *Manager) Changes(ctx context.Context, actor security.Actor, deploymentID string) ([]Change, error) {
	dep, err := m.store.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if err := m.acl.CheckAllowed(ctx, actor, dep.Secured(), security.PermRead); err != nil {
		return nil, err
	}
	deployments, err := m.store.ListVersions(ctx, dep.Name)
	if err != nil {
		return nil, err
	}
	m.metrics.IncChangeQueries("all")
	return attributeChanges(deployments), nil
}

// FindChangesByVersion returns changes attributed to versions in the
// inclusive range. Attribution always runs over the whole history so range
// edges do not shift entries between versions.
func (m *Manager) FindChangesByVersion(ctx context.Context, actor security.Actor, name string, from, to int64) ([]Change, error) {
	latest, err := m.store.FindLatest(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := m.acl.CheckAllowed(ctx, actor, latest.Secured(), security.PermRead); err != nil {
		return nil, err
	}
	deployments, err := m.store.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	all := attributeChanges(deployments)
	out := make([]Change, 0, len(all))
	for _, change := range all {
		if change.Version >= from && change.Version <= to {
			out = append(out, change)
		}
	}
	m.metrics.IncChangeQueries("version")
	return out, nil
}

// FindChangesByDate aggregates changes across every definition the actor
// may read, keeping entries whose manifest date falls inside the inclusive
// window. Results are ordered by definition name, then version, then
// manifest position.
func (m *Manager) FindChangesByDate(ctx context.Context, actor security.Actor, from, to time.Time) (map[string][]Change, error) {
	names, err := m.readableNames(ctx, actor)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make(map[string][]Change)
	for _, name := range names {
		deployments, err := m.store.ListVersions(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, change := range attributeChanges(deployments) {
			if change.Date.Before(from) || change.Date.After(to) {
				continue
			}
			out[name] = append(out[name], change)
		}
	}
	m.metrics.IncChangeQueries("date")
	return out, nil
}
