package definition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procdef/procdef/core/execution"
	"github.com/procdef/procdef/core/infra/bus"
	"github.com/procdef/procdef/core/infra/config"
	"github.com/procdef/procdef/core/infra/logging"
	"github.com/procdef/procdef/core/infra/metrics"
	"github.com/procdef/procdef/core/security"
)

const component = "lifecycle"

// Manager orchestrates the definition lifecycle: deploy, redeploy, in-place
// update, undeploy and change-history queries.
type Manager struct {
	store   *RedisStore
	acl     security.Store
	procs   *execution.RedisStore
	events  bus.Publisher
	metrics metrics.Metrics
	policy  *config.DeployPolicy
}

// NewManager constructs a lifecycle manager over the given stores.
func NewManager(store *RedisStore, acl security.Store, procs *execution.RedisStore) *Manager {
	return &Manager{
		store:   store,
		acl:     acl,
		procs:   procs,
		events:  bus.Noop{},
		metrics: metrics.Noop{},
		policy:  config.DefaultDeployPolicy(),
	}
}

// WithBus sets the lifecycle event publisher.
func (m *Manager) WithBus(publisher bus.Publisher) *Manager {
	if publisher != nil {
		m.events = publisher
	}
	return m
}

// WithMetrics sets the lifecycle metrics sink.
func (m *Manager) WithMetrics(mx metrics.Metrics) *Manager {
	if mx != nil {
		m.metrics = mx
	}
	return m
}

// WithPolicy sets the deploy policy controlling continuity checks.
func (m *Manager) WithPolicy(policy *config.DeployPolicy) *Manager {
	if policy != nil {
		m.policy = policy
	}
	return m
}

// Deploy uploads a fresh definition archive. The name parsed from the
// archive must not exist yet; the creating actor receives the full
// permission set on the new definition.
func (m *Manager) Deploy(ctx context.Context, actor security.Actor, archive []byte, categories []string) (*DefinitionView, error) {
	if err := m.acl.CheckAllowed(ctx, actor, security.System, security.PermDeploy); err != nil {
		m.metrics.IncLifecycleOp("deploy", "denied")
		return nil, err
	}
	parsed, err := Parse(archive)
	if err != nil {
		m.metrics.IncLifecycleOp("deploy", "invalid")
		return nil, err
	}
	if _, err := m.store.FindLatest(ctx, parsed.Name); err == nil {
		m.metrics.IncLifecycleOp("deploy", "conflict")
		return nil, &AlreadyExistsError{Name: parsed.Name}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	dep := &Deployment{
		ID:         uuid.NewString(),
		Name:       parsed.Name,
		Categories: categories,
		Content:    archive,
		CreatedBy:  actor.ID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.Create(ctx, dep); err != nil {
		return nil, err
	}
	if err := m.acl.Grant(ctx, actor.ID, dep.Secured(), security.DefinitionPermissions()...); err != nil {
		return nil, err
	}
	canStart, err := m.acl.IsAllowed(ctx, actor, dep.Secured(), security.PermStart)
	if err != nil {
		return nil, err
	}
	m.metrics.IncLifecycleOp("deploy", "ok")
	m.publish(bus.EventDeployed, dep, actor)
	logging.Info(component, "deployed definition", "name", dep.Name, "version", dep.Version, "actor", actor.ID)
	return viewOf(dep, parsed, canStart), nil
}

// Redeploy creates the next version of an existing definition, or updates
// only its category metadata when the request carries no archive.
func (m *Manager) Redeploy(ctx context.Context, actor security.Actor, targetID string, req RedeployRequest) (*DefinitionView, error) {
	old, err := m.store.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if err := m.acl.CheckAllowed(ctx, actor, old.Secured(), security.PermRedeploy); err != nil {
		m.metrics.IncLifecycleOp("redeploy", "denied")
		return nil, err
	}

	archive, hasArchive := req.Archive()
	if !hasArchive {
		categories, ok := req.Categories()
		if !ok {
			return nil, ErrCategoriesRequired
		}
		now := time.Now().UTC()
		old.Categories = categories
		old.UpdatedBy = actor.ID
		old.UpdatedAt = &now
		if err := m.store.Update(ctx, old); err != nil {
			return nil, err
		}
		m.metrics.IncLifecycleOp("redeploy", "ok")
		return m.viewWithStartFlag(ctx, actor, old)
	}

	parsed, err := Parse(archive)
	if err != nil {
		m.metrics.IncLifecycleOp("redeploy", "invalid")
		return nil, err
	}
	if parsed.Name != old.Name {
		return nil, &NameMismatchError{Expected: old.Name, Actual: parsed.Name}
	}
	if err := m.checkContinuity(old, parsed); err != nil {
		m.metrics.IncLifecycleOp("redeploy", "continuity")
		return nil, err
	}

	categories := old.Categories
	if cats, ok := req.Categories(); ok {
		categories = cats
	}
	dep := &Deployment{
		ID:         uuid.NewString(),
		Name:       old.Name,
		Categories: categories,
		Content:    archive,
		CreatedBy:  actor.ID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.Create(ctx, dep); err != nil {
		return nil, err
	}
	canStart, err := m.acl.IsAllowed(ctx, actor, dep.Secured(), security.PermStart)
	if err != nil {
		return nil, err
	}
	m.metrics.IncLifecycleOp("redeploy", "ok")
	m.publish(bus.EventRedeployed, dep, actor)
	logging.Info(component, "redeployed definition", "name", dep.Name, "version", dep.Version, "actor", actor.ID)
	return viewOf(dep, parsed, canStart), nil
}

// UpdateInPlace replaces the archive content of an existing deployment
// without bumping its version. Running instances of that version receive an
// audit entry noting the upgrade.
func (m *Manager) UpdateInPlace(ctx context.Context, actor security.Actor, targetID string, archive []byte) (*DefinitionView, error) {
	if len(archive) == 0 {
		return nil, &ArchiveFormatError{Err: fmt.Errorf("empty archive")}
	}
	old, err := m.store.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if err := m.acl.CheckAllowed(ctx, actor, old.Secured(), security.PermRedeploy); err != nil {
		m.metrics.IncLifecycleOp("update", "denied")
		return nil, err
	}
	parsed, err := Parse(archive)
	if err != nil {
		m.metrics.IncLifecycleOp("update", "invalid")
		return nil, err
	}
	if parsed.Name != old.Name {
		return nil, &NameMismatchError{Expected: old.Name, Actual: parsed.Name}
	}
	if err := m.checkContinuity(old, parsed); err != nil {
		m.metrics.IncLifecycleOp("update", "continuity")
		return nil, err
	}

	now := time.Now().UTC()
	old.Content = archive
	old.UpdatedBy = actor.ID
	old.UpdatedAt = &now
	if err := m.store.Update(ctx, old); err != nil {
		return nil, err
	}
	if err := m.auditRunningInstances(ctx, actor, old); err != nil {
		return nil, err
	}
	canStart, err := m.acl.IsAllowed(ctx, actor, old.Secured(), security.PermStart)
	if err != nil {
		return nil, err
	}
	m.metrics.IncLifecycleOp("update", "ok")
	m.publish(bus.EventUpdated, old, actor)
	logging.Info(component, "updated definition in place", "name", old.Name, "version", old.Version, "actor", actor.ID)
	return viewOf(old, parsed, canStart), nil
}

// Undeploy removes one version of a definition, or every version when
// version is 0. Before anything is deleted, each affected process instance
// is checked for a live parent subprocess link; the first violation aborts
// the whole batch.
func (m *Manager) Undeploy(ctx context.Context, actor security.Actor, name string, version int64) error {
	if name == "" {
		return fmt.Errorf("definition name required")
	}
	instances, err := m.procs.ListByDefinition(ctx, name, version)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		parent, err := m.procs.FindParentBySubprocess(ctx, inst.ID)
		if err != nil {
			return err
		}
		if parent != nil {
			m.metrics.IncUndeployBlocked(name)
			return &ParentProcessExistsError{Definition: name, ParentDefinition: parent.DefinitionName}
		}
	}

	if version == 0 {
		latest, err := m.store.FindLatest(ctx, name)
		if err != nil {
			return err
		}
		if err := m.acl.CheckAllowed(ctx, actor, latest.Secured(), security.PermUndeploy); err != nil {
			m.metrics.IncLifecycleOp("undeploy", "denied")
			return err
		}
		deployments, err := m.store.ListVersions(ctx, name)
		if err != nil {
			return err
		}
		for _, dep := range deployments {
			if err := m.removeDeployment(ctx, actor, dep); err != nil {
				return err
			}
		}
		if err := m.acl.DeleteAllForObject(ctx, security.DefinitionObject(name)); err != nil {
			return err
		}
		m.metrics.IncLifecycleOp("undeploy", "ok")
		logging.Info(component, "undeployed definition", "name", name, "versions", len(deployments), "actor", actor.ID)
		return nil
	}

	dep, err := m.store.FindByNameVersion(ctx, name, version)
	if err != nil {
		return err
	}
	if err := m.acl.CheckAllowed(ctx, actor, dep.Secured(), security.PermUndeploy); err != nil {
		m.metrics.IncLifecycleOp("undeploy", "denied")
		return err
	}
	if err := m.removeDeployment(ctx, actor, dep); err != nil {
		return err
	}
	m.metrics.IncLifecycleOp("undeploy", "ok")
	logging.Info(component, "undeployed definition version", "name", name, "version", version, "actor", actor.ID)
	return nil
}

// removeDeployment cascades over the deployment's own instances before
// deleting the record itself.
func (m *Manager) removeDeployment(ctx context.Context, actor security.Actor, dep *Deployment) error {
	instances, err := m.procs.ListByDefinition(ctx, dep.Name, dep.Version)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if err := m.procs.Delete(ctx, inst.ID); err != nil {
			return err
		}
	}
	if err := m.store.Delete(ctx, dep.ID); err != nil {
		return err
	}
	m.publish(bus.EventUndeployed, dep, actor)
	return nil
}

// GetDefinition returns a read-gated view of a deployment by id. An
// unparsable archive degrades to a metadata-only view.
func (m *Manager) GetDefinition(ctx context.Context, actor security.Actor, id string) (*DefinitionView, error) {
	dep, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.acl.CheckAllowed(ctx, actor, dep.Secured(), security.PermRead); err != nil {
		return nil, err
	}
	return m.viewWithStartFlag(ctx, actor, dep)
}

// GetLatestDefinition returns the latest version of a definition by name.
func (m *Manager) GetLatestDefinition(ctx context.Context, actor security.Actor, name string) (*DefinitionView, error) {
	dep, err := m.store.FindLatest(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := m.acl.CheckAllowed(ctx, actor, dep.Secured(), security.PermRead); err != nil {
		return nil, err
	}
	return m.viewWithStartFlag(ctx, actor, dep)
}

// GetDefinitionVersion returns an exact (name, version) deployment view.
func (m *Manager) GetDefinitionVersion(ctx context.Context, actor security.Actor, name string, version int64) (*DefinitionView, error) {
	dep, err := m.store.FindByNameVersion(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if err := m.acl.CheckAllowed(ctx, actor, dep.Secured(), security.PermRead); err != nil {
		return nil, err
	}
	return m.viewWithStartFlag(ctx, actor, dep)
}

// History returns every version of a definition the actor may read, newest
// first, as metadata-only views.
func (m *Manager) History(ctx context.Context, actor security.Actor, name string) ([]DefinitionView, error) {
	deployments, err := m.store.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	views := make([]DefinitionView, 0, len(deployments))
	for i := len(deployments) - 1; i >= 0; i-- {
		dep := deployments[i]
		ok, err := m.acl.IsAllowed(ctx, actor, dep.Secured(), security.PermRead)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		views = append(views, *viewOf(dep, nil, false))
	}
	return views, nil
}

// ListDefinitions projects the latest version of every definition the actor
// may read, with a per-result start flag from a mass permission check.
func (m *Manager) ListDefinitions(ctx context.Context, actor security.Actor, p Presentation) ([]DefinitionView, error) {
	allowed, err := m.readableNames(ctx, actor)
	if err != nil {
		return nil, err
	}
	if len(allowed) == 0 {
		return []DefinitionView{}, nil
	}
	ids, err := m.store.Query(ctx, p, allowed)
	if err != nil {
		return nil, err
	}

	deployments := make([]*Deployment, 0, len(ids))
	parsedByID := make(map[string]*ParsedDefinition, len(ids))
	for _, id := range ids {
		dep, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		// Parse failures are tolerated: the deployment still lists with
		// raw metadata only.
		if parsed, err := Parse(dep.Content); err == nil {
			parsedByID[dep.ID] = parsed
		} else {
			logging.Warn(component, "archive unparsable, listing metadata only", "name", dep.Name, "version", dep.Version)
		}
		deployments = append(deployments, dep)
	}

	objs := make([]security.SecuredObject, len(deployments))
	for i, dep := range deployments {
		objs[i] = dep.Secured()
	}
	result, err := m.acl.MassCheck(ctx, actor, objs, security.PermStart)
	if err != nil {
		return nil, err
	}
	granted := make(map[string]bool, len(result.Granted))
	for _, obj := range result.Granted {
		granted[obj.SecuredObjectID()] = true
	}

	views := make([]DefinitionView, 0, len(deployments))
	for _, dep := range deployments {
		views = append(views, *viewOf(dep, parsedByID[dep.ID], granted[dep.Name]))
	}
	return views, nil
}

// CountDefinitions counts definitions visible to the actor under the
// presentation's filters. An empty readable set short-circuits to zero.
func (m *Manager) CountDefinitions(ctx context.Context, actor security.Actor, p Presentation) (int, error) {
	allowed, err := m.readableNames(ctx, actor)
	if err != nil {
		return 0, err
	}
	if len(allowed) == 0 {
		return 0, nil
	}
	return m.store.Count(ctx, p, allowed)
}

// GetFile returns raw embedded file content. Files on the unsecured
// allow-list and bot configuration files bypass the read check.
func (m *Manager) GetFile(ctx context.Context, actor security.Actor, id, fileName string) ([]byte, error) {
	dep, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !IsUnsecuredFile(fileName, m.policy.UnsecuredFiles) {
		if err := m.acl.CheckAllowed(ctx, actor, dep.Secured(), security.PermRead); err != nil {
			return nil, err
		}
	}
	if fileName == ArchiveFileName {
		return dep.Content, nil
	}
	parsed, err := Parse(dep.Content)
	if err != nil {
		return nil, err
	}
	data, ok := parsed.Files[fileName]
	if !ok {
		return nil, fmt.Errorf("file %s in definition %s: %w", fileName, dep.Name, ErrNotFound)
	}
	return data, nil
}

// GetGraph returns the definition's graph image bytes.
func (m *Manager) GetGraph(ctx context.Context, actor security.Actor, id string) ([]byte, error) {
	return m.GetFile(ctx, actor, id, FileGraphImage)
}

// GetSwimlanes returns the parsed swimlane declarations, read-gated.
func (m *Manager) GetSwimlanes(ctx context.Context, actor security.Actor, id string) ([]Swimlane, error) {
	parsed, err := m.readParsed(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return parsed.Swimlanes, nil
}

// GetVariables returns the parsed variable declarations, read-gated.
func (m *Manager) GetVariables(ctx context.Context, actor security.Actor, id string) ([]Variable, error) {
	parsed, err := m.readParsed(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return parsed.Variables, nil
}

func (m *Manager) readParsed(ctx context.Context, actor security.Actor, id string) (*ParsedDefinition, error) {
	dep, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.acl.CheckAllowed(ctx, actor, dep.Secured(), security.PermRead); err != nil {
		return nil, err
	}
	return Parse(dep.Content)
}

// readableNames runs the ignore-denied probe over every known definition
// name.
func (m *Manager) readableNames(ctx context.Context, actor security.Actor) ([]string, error) {
	names, err := m.store.Names(ctx)
	if err != nil {
		return nil, err
	}
	objs := make([]security.SecuredObject, len(names))
	for i, name := range names {
		objs[i] = security.DefinitionObject(name)
	}
	granted, err := m.acl.FilterAllowed(ctx, actor, objs, security.PermRead)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(granted))
	for i, obj := range granted {
		out[i] = obj.SecuredObjectID()
	}
	return out, nil
}

// checkContinuity verifies the cumulative manifest invariant between the
// target deployment's archive and the uploaded one. Each check is
// independently disabled by policy.
func (m *Manager) checkContinuity(old *Deployment, uploaded *ParsedDefinition) error {
	oldHistory := []VersionInfo{}
	if oldParsed, err := Parse(old.Content); err == nil {
		oldHistory = oldParsed.VersionHistory
	}
	containsAll := containsAllEntries(uploaded.VersionHistory, oldHistory)
	if !m.policy.AllowCommentCollisions && !containsAll {
		return &ContinuityError{Name: old.Name, Kind: ContinuityMissingComments}
	}
	if !m.policy.AllowEmptyComments && containsAll && len(uploaded.VersionHistory) == len(oldHistory) {
		return &ContinuityError{Name: old.Name, Kind: ContinuityNoNewComments}
	}
	return nil
}

// containsAllEntries reports multiset inclusion of previous in next.
func containsAllEntries(next, previous []VersionInfo) bool {
	counts := make(map[string]int, len(next))
	for _, info := range next {
		counts[info.key()]++
	}
	for _, info := range previous {
		key := info.key()
		if counts[key] == 0 {
			return false
		}
		counts[key]--
	}
	return true
}

func (m *Manager) auditRunningInstances(ctx context.Context, actor security.Actor, dep *Deployment) error {
	instances, err := m.procs.ListByDefinition(ctx, dep.Name, dep.Version)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		entry := &execution.AuditEntry{
			Action: execution.ActionUpgradeVersion,
			Actor:  actor.ID,
			Detail: fmt.Sprintf("definition %s version %d content replaced", dep.Name, dep.Version),
		}
		if err := m.procs.AppendAudit(ctx, inst.ID, entry); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) viewWithStartFlag(ctx context.Context, actor security.Actor, dep *Deployment) (*DefinitionView, error) {
	canStart, err := m.acl.IsAllowed(ctx, actor, dep.Secured(), security.PermStart)
	if err != nil {
		return nil, err
	}
	parsed, perr := Parse(dep.Content)
	if perr != nil {
		parsed = nil
	}
	return viewOf(dep, parsed, canStart), nil
}

func (m *Manager) publish(eventType string, dep *Deployment, actor security.Actor) {
	err := m.events.Publish(bus.Event{
		Type:         eventType,
		Definition:   dep.Name,
		Version:      dep.Version,
		DeploymentID: dep.ID,
		Actor:        actor.ID,
		At:           time.Now().UTC(),
	})
	if err != nil {
		logging.Warn(component, "event publish failed", "type", eventType, "name", dep.Name, "err", err)
	}
}

func viewOf(dep *Deployment, parsed *ParsedDefinition, canStart bool) *DefinitionView {
	view := &DefinitionView{
		ID:           dep.ID,
		Name:         dep.Name,
		Version:      dep.Version,
		Categories:   dep.Categories,
		CanBeStarted: canStart,
		CreatedAt:    dep.CreatedAt,
		CreatedBy:    dep.CreatedBy,
	}
	if parsed != nil {
		view.StartNode = parsed.StartNode
	}
	return view
}
