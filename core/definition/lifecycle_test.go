package definition

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/procdef/procdef/core/execution"
	"github.com/procdef/procdef/core/infra/config"
	"github.com/procdef/procdef/core/security"
)

type testEnv struct {
	manager *Manager
	store   *RedisStore
	gate    *security.RedisGate
	procs   *execution.RedisStore
}

func newTestManager(t *testing.T) *testEnv {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	url := "redis://" + srv.Addr()

	store, err := NewRedisStore(url)
	if err != nil {
		t.Fatalf("definition store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	gate, err := security.NewRedisGate(url)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	t.Cleanup(func() { _ = gate.Close() })
	procs, err := execution.NewRedisStore(url)
	if err != nil {
		t.Fatalf("execution store: %v", err)
	}
	t.Cleanup(func() { _ = procs.Close() })

	return &testEnv{
		manager: NewManager(store, gate, procs),
		store:   store,
		gate:    gate,
		procs:   procs,
	}
}

func historyArchive(t *testing.T, name string, entries ...manifestEntry) []byte {
	t.Helper()
	files := map[string][]byte{
		FileDefinition: descriptorJSON(name, "start"),
	}
	if len(entries) > 0 {
		files[FileComments] = manifestXML(entries...)
	}
	return buildArchive(t, files)
}

var admin = security.Actor{ID: "admin", Name: "admin", Admin: true}

func TestDeployCreatesVersionOneAndGrants(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()
	deployer := security.Actor{ID: "u-1", Name: "alice"}
	if err := env.gate.Grant(ctx, deployer.ID, security.System, security.PermDeploy); err != nil {
		t.Fatalf("grant deploy: %v", err)
	}

	view, err := env.manager.Deploy(ctx, deployer, historyArchive(t, "Invoice"), []string{"finance"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if view.Version != 1 || view.Name != "Invoice" || view.StartNode != "start" {
		t.Fatalf("view %+v", view)
	}
	if !view.CanBeStarted {
		t.Fatalf("deployer should receive the start permission")
	}
	ok, err := env.gate.IsAllowed(ctx, deployer, security.DefinitionObject("Invoice"), security.PermUndeploy)
	if err != nil || !ok {
		t.Fatalf("full grant missing: ok=%v err=%v", ok, err)
	}
}

func TestDeployRequiresSystemPermission(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()
	nobody := security.Actor{ID: "u-2"}

	var denied *security.PermissionDeniedError
	_, err := env.manager.Deploy(ctx, nobody, historyArchive(t, "Invoice"), nil)
	if !errors.As(err, &denied) {
		t.Fatalf("expected permission denial, got %v", err)
	}
}

func TestDeployRejectsExistingName(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	if _, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Invoice"), nil); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	var exists *AlreadyExistsError
	_, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Invoice"), nil)
	if !errors.As(err, &exists) || exists.Name != "Invoice" {
		t.Fatalf("expected AlreadyExistsError, got %v", err)
	}
}

func TestRedeployCreatesNextVersion(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()
	e1 := manifestEntry{"2026-01-10T12:00:00Z", "alice", "initial"}
	e2 := manifestEntry{"2026-02-01T09:00:00Z", "bob", "rework"}

	v1, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Invoice", e1), []string{"finance"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	v2, err := env.manager.Redeploy(ctx, admin, v1.ID, FullArchive(historyArchive(t, "Invoice", e1, e2), nil))
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("version %d, want 2", v2.Version)
	}
	if len(v2.Categories) != 1 || v2.Categories[0] != "finance" {
		t.Fatalf("categories should carry over: %v", v2.Categories)
	}
	// The old version stays readable.
	if _, err := env.manager.GetDefinitionVersion(ctx, admin, "Invoice", 1); err != nil {
		t.Fatalf("v1 lookup after redeploy: %v", err)
	}
}

func TestRedeployCategoriesOnly(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	v1, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Invoice"), []string{"finance"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	view, err := env.manager.Redeploy(ctx, admin, v1.ID, CategoriesOnly([]string{"billing"}))
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if view.Version != 1 {
		t.Fatalf("metadata update bumped version to %d", view.Version)
	}
	if len(view.Categories) != 1 || view.Categories[0] != "billing" {
		t.Fatalf("categories %v", view.Categories)
	}

	_, err = env.manager.Redeploy(ctx, admin, v1.ID, RedeployRequest{})
	if !errors.Is(err, ErrCategoriesRequired) {
		t.Fatalf("expected ErrCategoriesRequired, got %v", err)
	}
}

func TestRedeployNameMismatch(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	v1, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Invoice"), nil)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	var mismatch *NameMismatchError
	_, err = env.manager.Redeploy(ctx, admin, v1.ID, FullArchive(historyArchive(t, "Vacation"), nil))
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected NameMismatchError, got %v", err)
	}
	if mismatch.Expected != "Invoice" || mismatch.Actual != "Vacation" {
		t.Fatalf("mismatch %+v", mismatch)
	}
}

func TestRedeployContinuityChecks(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()
	e1 := manifestEntry{"2026-01-10T12:00:00Z", "alice", "initial"}
	e2 := manifestEntry{"2026-02-01T09:00:00Z", "bob", "rework"}

	v1, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Invoice", e1), nil)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	// Uploaded manifest drops the previous entry.
	var cont *ContinuityError
	_, err = env.manager.Redeploy(ctx, admin, v1.ID, FullArchive(historyArchive(t, "Invoice", e2), nil))
	if !errors.As(err, &cont) || cont.Kind != ContinuityMissingComments {
		t.Fatalf("expected missing_comments, got %v", err)
	}

	// Manifest unchanged, no new entry.
	_, err = env.manager.Redeploy(ctx, admin, v1.ID, FullArchive(historyArchive(t, "Invoice", e1), nil))
	if !errors.As(err, &cont) || cont.Kind != ContinuityNoNewComments {
		t.Fatalf("expected no_new_comments, got %v", err)
	}
}

func TestRedeployContinuityPolicyToggles(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()
	e1 := manifestEntry{"2026-01-10T12:00:00Z", "alice", "initial"}
	e2 := manifestEntry{"2026-02-01T09:00:00Z", "bob", "rework"}

	env.manager.WithPolicy(&config.DeployPolicy{
		AllowCommentCollisions: true,
		AllowEmptyComments:     true,
	})
	v1, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Invoice", e1), nil)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	// Both violations pass when disabled by policy.
	if _, err := env.manager.Redeploy(ctx, admin, v1.ID, FullArchive(historyArchive(t, "Invoice", e2), nil)); err != nil {
		t.Fatalf("collision tolerated redeploy: %v", err)
	}
	latest, err := env.manager.GetLatestDefinition(ctx, admin, "Invoice")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if _, err := env.manager.Redeploy(ctx, admin, latest.ID, FullArchive(historyArchive(t, "Invoice", e2), nil)); err != nil {
		t.Fatalf("empty-comment tolerated redeploy: %v", err)
	}
}

func TestUpdateInPlaceAuditsInstances(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()
	e1 := manifestEntry{"2026-01-10T12:00:00Z", "alice", "initial"}
	e2 := manifestEntry{"2026-02-01T09:00:00Z", "alice", "hotfix"}

	v1, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Invoice", e1), nil)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	inst := &execution.ProcessInstance{
		ID:                "p-1",
		DefinitionName:    "Invoice",
		DefinitionVersion: 1,
		DeploymentID:      v1.ID,
		StartedBy:         "u-1",
	}
	if err := env.procs.Save(ctx, inst); err != nil {
		t.Fatalf("save instance: %v", err)
	}

	view, err := env.manager.UpdateInPlace(ctx, admin, v1.ID, historyArchive(t, "Invoice", e1, e2))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if view.Version != 1 {
		t.Fatalf("in-place update bumped version to %d", view.Version)
	}
	audit, err := env.procs.ListAudit(ctx, "p-1", 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(audit) != 1 || audit[0].Action != execution.ActionUpgradeVersion {
		t.Fatalf("audit %+v", audit)
	}
	if audit[0].Actor != admin.ID {
		t.Fatalf("audit actor %s", audit[0].Actor)
	}
}

func TestUndeployBlockedBySubprocessLink(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	parentView, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Parent"), nil)
	if err != nil {
		t.Fatalf("deploy parent: %v", err)
	}
	childView, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Child"), nil)
	if err != nil {
		t.Fatalf("deploy child: %v", err)
	}
	parent := &execution.ProcessInstance{
		ID:                "p-parent",
		DefinitionName:    "Parent",
		DefinitionVersion: 1,
		DeploymentID:      parentView.ID,
	}
	if err := env.procs.Save(ctx, parent); err != nil {
		t.Fatalf("save parent: %v", err)
	}
	child := &execution.ProcessInstance{
		ID:                "p-child",
		DefinitionName:    "Child",
		DefinitionVersion: 1,
		DeploymentID:      childView.ID,
		ParentID:          "p-parent",
	}
	if err := env.procs.Save(ctx, child); err != nil {
		t.Fatalf("save child: %v", err)
	}

	var blocked *ParentProcessExistsError
	err = env.manager.Undeploy(ctx, admin, "Child", 0)
	if !errors.As(err, &blocked) {
		t.Fatalf("expected ParentProcessExistsError, got %v", err)
	}
	if blocked.Definition != "Child" || blocked.ParentDefinition != "Parent" {
		t.Fatalf("blocked %+v", blocked)
	}
	// Nothing was deleted.
	if _, err := env.manager.GetLatestDefinition(ctx, admin, "Child"); err != nil {
		t.Fatalf("child definition should survive: %v", err)
	}
	if _, err := env.procs.Get(ctx, "p-child"); err != nil {
		t.Fatalf("child instance should survive: %v", err)
	}
}

func TestUndeployAllVersionsCascades(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()
	e1 := manifestEntry{"2026-01-10T12:00:00Z", "alice", "initial"}
	e2 := manifestEntry{"2026-02-01T09:00:00Z", "bob", "rework"}

	v1, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Invoice", e1), nil)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := env.manager.Redeploy(ctx, admin, v1.ID, FullArchive(historyArchive(t, "Invoice", e1, e2), nil)); err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	inst := &execution.ProcessInstance{
		ID:                "p-1",
		DefinitionName:    "Invoice",
		DefinitionVersion: 1,
		DeploymentID:      v1.ID,
	}
	if err := env.procs.Save(ctx, inst); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := env.manager.Undeploy(ctx, admin, "Invoice", 0); err != nil {
		t.Fatalf("undeploy: %v", err)
	}
	if _, err := env.store.FindLatest(ctx, "Invoice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("definition survived: %v", err)
	}
	if _, err := env.procs.Get(ctx, "p-1"); !errors.Is(err, execution.ErrNotFound) {
		t.Fatalf("instance survived: %v", err)
	}
}

func TestUndeploySingleVersion(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()
	e1 := manifestEntry{"2026-01-10T12:00:00Z", "alice", "initial"}
	e2 := manifestEntry{"2026-02-01T09:00:00Z", "bob", "rework"}

	v1, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Invoice", e1), nil)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := env.manager.Redeploy(ctx, admin, v1.ID, FullArchive(historyArchive(t, "Invoice", e1, e2), nil)); err != nil {
		t.Fatalf("redeploy: %v", err)
	}

	if err := env.manager.Undeploy(ctx, admin, "Invoice", 1); err != nil {
		t.Fatalf("undeploy v1: %v", err)
	}
	if _, err := env.manager.GetDefinitionVersion(ctx, admin, "Invoice", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("v1 survived: %v", err)
	}
	latest, err := env.manager.GetLatestDefinition(ctx, admin, "Invoice")
	if err != nil {
		t.Fatalf("latest after partial undeploy: %v", err)
	}
	if latest.Version != 2 {
		t.Fatalf("latest version %d", latest.Version)
	}
}

func TestListDefinitionsPermissionFiltering(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	if _, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Invoice"), nil); err != nil {
		t.Fatalf("deploy invoice: %v", err)
	}
	if _, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Secret"), nil); err != nil {
		t.Fatalf("deploy secret: %v", err)
	}
	reader := security.Actor{ID: "u-3", Name: "carol"}
	if err := env.gate.Grant(ctx, reader.ID, security.DefinitionObject("Invoice"), security.PermRead); err != nil {
		t.Fatalf("grant read: %v", err)
	}

	views, err := env.manager.ListDefinitions(ctx, reader, Presentation{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 1 || views[0].Name != "Invoice" {
		t.Fatalf("views %+v", views)
	}
	if views[0].CanBeStarted {
		t.Fatalf("start flag set without the start permission")
	}
	if views[0].StartNode != "start" {
		t.Fatalf("parsed start node missing: %+v", views[0])
	}

	if err := env.gate.Grant(ctx, reader.ID, security.DefinitionObject("Invoice"), security.PermStart); err != nil {
		t.Fatalf("grant start: %v", err)
	}
	views, err = env.manager.ListDefinitions(ctx, reader, Presentation{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !views[0].CanBeStarted {
		t.Fatalf("start flag should be set after grant")
	}

	count, err := env.manager.CountDefinitions(ctx, reader, Presentation{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count %d", count)
	}
}

func TestListDefinitionsShortCircuitsOnEmptyReadableSet(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()

	if _, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Invoice"), nil); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	stranger := security.Actor{ID: "u-9"}
	views, err := env.manager.ListDefinitions(ctx, stranger, Presentation{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("stranger sees %d definitions", len(views))
	}
	count, err := env.manager.CountDefinitions(ctx, stranger, Presentation{})
	if err != nil || count != 0 {
		t.Fatalf("count=%d err=%v", count, err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()
	e1 := manifestEntry{"2026-01-10T12:00:00Z", "alice", "initial"}
	e2 := manifestEntry{"2026-02-01T09:00:00Z", "bob", "rework"}

	v1, err := env.manager.Deploy(ctx, admin, historyArchive(t, "Invoice", e1), nil)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := env.manager.Redeploy(ctx, admin, v1.ID, FullArchive(historyArchive(t, "Invoice", e1, e2), nil)); err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	views, err := env.manager.History(ctx, admin, "Invoice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(views) != 2 || views[0].Version != 2 || views[1].Version != 1 {
		t.Fatalf("history order %+v", views)
	}
}

func TestGetFileSecuredAndUnsecured(t *testing.T) {
	env := newTestManager(t)
	ctx := context.Background()
	graph := []byte{0x89, 'P', 'N', 'G'}
	archive := buildArchive(t, map[string][]byte{
		FileDefinition: descriptorJSON("Invoice", "start"),
		FileGraphImage: graph,
	})
	view, err := env.manager.Deploy(ctx, admin, archive, nil)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	stranger := security.Actor{ID: "u-9"}
	data, err := env.manager.GetFile(ctx, stranger, view.ID, FileGraphImage)
	if err != nil {
		t.Fatalf("unsecured file denied: %v", err)
	}
	if string(data) != string(graph) {
		t.Fatalf("graph bytes mismatch")
	}

	var denied *security.PermissionDeniedError
	if _, err := env.manager.GetFile(ctx, stranger, view.ID, FileDefinition); !errors.As(err, &denied) {
		t.Fatalf("descriptor should be read-gated, got %v", err)
	}
	if _, err := env.manager.GetFile(ctx, admin, view.ID, "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	raw, err := env.manager.GetFile(ctx, admin, view.ID, ArchiveFileName)
	if err != nil {
		t.Fatalf("raw archive: %v", err)
	}
	if len(raw) != len(archive) {
		t.Fatalf("raw archive length %d, want %d", len(raw), len(archive))
	}
}
