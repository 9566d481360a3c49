package rbac_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/rbac"
	"github.com/oarkflow/rbac/stores"
)

type failingStore struct{}

func (failingStore) GetAssignments(context.Context, string) ([]rbac.RoleAssignment, error) {
	return nil, errors.New("store offline")
}

func newService(t *testing.T, opts ...rbac.Option) (*rbac.Service, *stores.MemoryAuditStore) {
	t.Helper()
	audit := stores.NewMemoryAuditStore()
	svc, err := rbac.NewService(stores.NewMemoryAssignmentStore(), append([]rbac.Option{rbac.WithAuditSink(audit)}, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, audit
}

func mustAssign(t *testing.T, svc *rbac.Service, a rbac.RoleAssignment) {
	t.Helper()
	if _, _, err := svc.Assign(context.Background(), a); err != nil {
		t.Fatalf("assign %s/%s: %v", a.SubjectID, a.Role, err)
	}
}

func check(subject, action, resource, tenant, client string) rbac.CheckRequest {
	return rbac.CheckRequest{
		Subject:  subject,
		Action:   action,
		Resource: resource,
		Context:  rbac.RequestContext{TenantID: tenant, ClientID: client},
	}
}

func TestServiceFailsClosed(t *testing.T) {
	svc, err := rbac.NewService(failingStore{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close(context.Background())

	d := svc.Check(context.Background(), check("root", "read", "tenant:t1", "", ""))
	if d != rbac.Deny(rbac.ReasonStoreUnavailable) {
		t.Fatalf("expected store_unavailable, got %+v", d)
	}
	svc.Cache().Wait()
	d = svc.Check(context.Background(), check("root", "read", "tenant:t1", "", ""))
	if d.Allow {
		t.Fatalf("failure must not turn into an allow")
	}
	if s := svc.Stats(); s.Cache.Hits != 0 {
		t.Fatalf("store_unavailable must not be served from cache, stats %+v", s.Cache)
	}
	if svc.Writable() {
		t.Fatalf("read-only store must not be writable")
	}
	if _, _, err := svc.Assign(context.Background(), rbac.NewAssignmentBuilder("x").Role(rbac.RoleViewer).Build()); !errors.Is(err, rbac.ErrNoWriter) {
		t.Fatalf("expected ErrNoWriter, got %v", err)
	}
}

func TestServiceAssignIsIdempotent(t *testing.T) {
	svc, _ := newService(t)
	a := rbac.NewAssignmentBuilder("alice").Role(rbac.RoleTenantAdmin).Tenant("t1").Build()

	first, created, err := svc.Assign(context.Background(), a)
	if err != nil || !created {
		t.Fatalf("first assign: created=%v err=%v", created, err)
	}
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Fatalf("expected generated id and timestamp, got %+v", first)
	}
	if _, created, err := svc.Assign(context.Background(), a); err != nil || created {
		t.Fatalf("second assign: created=%v err=%v", created, err)
	}
	list, err := svc.Assignments(context.Background(), "alice")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected a single assignment, got %v (%v)", list, err)
	}
}

func TestServiceRejectsInvalidAssignments(t *testing.T) {
	svc, _ := newService(t)
	cases := []struct {
		name string
		a    rbac.RoleAssignment
		want error
	}{
		{"unknown role", rbac.NewAssignmentBuilder("x").Role("wizard").Tenant("t1").Build(), rbac.ErrUnknownRole},
		{"client without tenant", rbac.RoleAssignment{SubjectID: "x", Role: rbac.RoleViewer, Scope: rbac.Scope{ClientID: "c1"}}, rbac.ErrInvalidScope},
		{"missing subject", rbac.NewAssignmentBuilder("").Role(rbac.RoleViewer).Build(), rbac.ErrInvalidAssignment},
	}
	for _, tc := range cases {
		if _, _, err := svc.Assign(context.Background(), tc.a); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestServiceCacheMatchesEvaluator(t *testing.T) {
	svc, _ := newService(t)
	mustAssign(t, svc, rbac.NewAssignmentBuilder("alice").Role(rbac.RoleTenantAdmin).Tenant("t1").Build())
	mustAssign(t, svc, rbac.NewAssignmentBuilder("bob").Role(rbac.RoleAgent).Client("t1", "c1").Build())
	mustAssign(t, svc, rbac.NewAssignmentBuilder("root").Role(rbac.RoleSuperAdmin).Platform().Build())

	reqs := []rbac.CheckRequest{
		check("alice", "write", "prompt:1", "t1", "c2"),
		check("alice", "write", "prompt:1", "t2", ""),
		check("bob", "execute", "workflow:w", "t1", "c1"),
		check("bob", "delete", "workflow:w", "t1", "c1"),
		check("bob", "read", "prompt:p", "t1", "c2"),
		check("root", "manage", "tenant:t7", "", ""),
		check("nobody", "read", "prompt:p", "t1", ""),
		check("root", "read", "prompt:p", "", ""),
	}
	for round := 0; round < 2; round++ {
		for _, r := range reqs {
			want := svc.Evaluate(context.Background(), r)
			if got := svc.Check(context.Background(), r); got != want {
				t.Fatalf("round %d %+v: cached %+v != evaluated %+v", round, r, got, want)
			}
		}
		svc.Cache().Wait()
	}
	if s := svc.Stats(); s.Cache.Hits == 0 {
		t.Fatalf("expected the second round to hit the cache, stats %+v", s.Cache)
	}
}

func TestServiceMutationsAreVisibleImmediately(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	r := check("carol", "write", "prompt:p", "t1", "c1")

	if d := svc.Check(ctx, r); d.Reason != rbac.ReasonNoRolesAssigned {
		t.Fatalf("expected no_roles_assigned, got %+v", d)
	}
	svc.Cache().Wait()

	mustAssign(t, svc, rbac.NewAssignmentBuilder("carol").Role(rbac.RoleClientAdmin).Client("t1", "c1").Build())
	if d := svc.Check(ctx, r); !d.Allow {
		t.Fatalf("expected allow right after assign, got %+v", d)
	}
	svc.Cache().Wait()

	if _, err := svc.Revoke(ctx, "carol", rbac.RoleClientAdmin, rbac.ClientScope("t1", "c1")); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if d := svc.Check(ctx, r); d.Allow {
		t.Fatalf("expected deny right after revoke, got %+v", d)
	}
}

func TestServiceInvalidateSubjectAfterExternalChange(t *testing.T) {
	store := stores.NewMemoryAssignmentStore()
	svc, err := rbac.NewService(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close(context.Background())
	ctx := context.Background()
	a := rbac.NewAssignmentBuilder("ext").Role(rbac.RoleAgent).Client("t1", "c1").Build()
	if _, err := store.CreateAssignment(ctx, a); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := check("ext", "write", "prompt:p1", "t1", "c1")
	if d := svc.Check(ctx, r); !d.Allow {
		t.Fatalf("expected allow, got %+v", d)
	}
	svc.Cache().Wait()
	if d := svc.Check(ctx, r); !d.Allow {
		t.Fatalf("expected cached allow, got %+v", d)
	}
	if s := svc.Stats(); s.Cache.Hits != 1 {
		t.Fatalf("expected the allow to be served from cache, stats %+v", s.Cache)
	}

	// the store changes behind the service's back
	if _, err := store.DeleteAssignment(ctx, a.SubjectID, a.Role, a.Scope); err != nil {
		t.Fatalf("delete: %v", err)
	}
	svc.InvalidateSubject(ctx, "ext")
	if d := svc.Check(ctx, r); d != rbac.Deny(rbac.ReasonNoRolesAssigned) {
		t.Fatalf("expected no_roles_assigned after invalidation, got %+v", d)
	}
}

func TestServicePlatformAssignmentIsUniversal(t *testing.T) {
	svc, _ := newService(t)
	mustAssign(t, svc, rbac.NewAssignmentBuilder("root").Role(rbac.RoleSuperAdmin).Platform().Build())
	for i := 0; i < 5; i++ {
		tenant := fmt.Sprintf("t%d", i)
		for _, rt := range []string{"prompt", "workflow", "client", "user"} {
			if d := svc.Check(context.Background(), check("root", "read", rt+":x", tenant, "c"+tenant)); !d.Allow {
				t.Fatalf("super admin denied %s in %s: %+v", rt, tenant, d)
			}
		}
	}
}

func TestServiceBatchCheckKeepsOrder(t *testing.T) {
	svc, _ := newService(t, rbac.WithBatchWorkerCount(3))
	mustAssign(t, svc, rbac.NewAssignmentBuilder("vera").Role(rbac.RoleViewer).Client("t1", "c1").Build())

	var reqs []rbac.CheckRequest
	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			reqs = append(reqs, check("vera", "read", "prompt:p", "t1", "c1"))
		} else {
			reqs = append(reqs, check("vera", "write", "prompt:p", "t1", "c1"))
		}
	}
	decisions := svc.BatchCheck(context.Background(), reqs)
	if len(decisions) != len(reqs) {
		t.Fatalf("expected %d decisions, got %d", len(reqs), len(decisions))
	}
	for i, d := range decisions {
		if d.Allow != (i%2 == 0) {
			t.Fatalf("decision %d out of order: %+v", i, d)
		}
	}
}

func TestServicePurgeScope(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	mustAssign(t, svc, rbac.NewAssignmentBuilder("a").Role(rbac.RoleTenantAdmin).Tenant("t1").Build())
	mustAssign(t, svc, rbac.NewAssignmentBuilder("b").Role(rbac.RoleAgent).Client("t1", "c1").Build())
	mustAssign(t, svc, rbac.NewAssignmentBuilder("c").Role(rbac.RoleAgent).Client("t2", "c1").Build())

	warm := check("b", "read", "prompt:p", "t1", "c1")
	if d := svc.Check(ctx, warm); !d.Allow {
		t.Fatalf("expected allow before purge, got %+v", d)
	}
	svc.Cache().Wait()

	subjects, err := svc.PurgeScope(ctx, rbac.TenantScope("t1"))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(subjects) != 2 {
		t.Fatalf("expected a and b affected, got %v", subjects)
	}
	if d := svc.Check(ctx, warm); d.Allow {
		t.Fatalf("purged subject still allowed: %+v", d)
	}
	if d := svc.Check(ctx, check("c", "read", "prompt:p", "t2", "c1")); !d.Allow {
		t.Fatalf("other tenant must be untouched: %+v", d)
	}
	if _, err := svc.PurgeScope(ctx, rbac.PlatformScope()); !errors.Is(err, rbac.ErrInvalidScope) {
		t.Fatalf("expected platform purge to be rejected, got %v", err)
	}
}

func TestServiceAuditsDecisions(t *testing.T) {
	svc, audit := newService(t)
	mustAssign(t, svc, rbac.NewAssignmentBuilder("vera").Role(rbac.RoleViewer).Client("t1", "c1").Build())
	ctx := rbac.WithCorrelationID(context.Background(), "req-1")

	allow := check("vera", "read", "prompt:p", "t1", "c1")
	deny := check("vera", "write", "prompt:p", "t1", "c1")
	svc.Check(ctx, allow)
	svc.Check(ctx, deny)
	svc.Cache().Wait()
	svc.Check(ctx, allow)
	svc.Check(ctx, deny)
	if err := svc.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	events, err := svc.GetAccessLog(context.Background(), rbac.AuditFilter{CorrelationID: "req-1"})
	if err != nil {
		t.Fatalf("access log: %v", err)
	}
	// first allow, first deny, cached deny; the cached allow is not audited
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	last := events[2]
	if last.Allow || !last.CacheHit || last.Reason != rbac.ReasonLacksPermission || last.Action != rbac.AuditActionCheckResult {
		t.Fatalf("unexpected cached deny event %+v", last)
	}
	if audit.Len() != 3 {
		t.Fatalf("expected 3 stored events, got %d", audit.Len())
	}
}

func TestServiceConcurrentChecksAndMutations(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	a := rbac.NewAssignmentBuilder("flip").Role(rbac.RoleViewer).Tenant("t1").Build()
	r := check("flip", "read", "prompt:p", "t1", "")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					svc.Check(ctx, r)
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		mustAssign(t, svc, a)
		if d := svc.Check(ctx, r); !d.Allow {
			t.Errorf("iteration %d: expected allow after assign, got %+v", i, d)
		}
		if _, err := svc.Revoke(ctx, a.SubjectID, a.Role, a.Scope); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		if d := svc.Check(ctx, r); d.Allow {
			t.Errorf("iteration %d: expected deny after revoke, got %+v", i, d)
		}
	}
	close(stop)
	wg.Wait()
}

func TestServiceFromConfig(t *testing.T) {
	cfg := rbac.NewConfigBuilder().
		AddTenant("t1", "Acme", "c1").
		Assign("alice", rbac.RoleTenantAdmin, rbac.TenantScope("t1")).
		AssignService("bot", rbac.RoleAgent, rbac.ClientScope("t1", "c1")).
		StoreTimeout(250 * time.Millisecond).
		Build()

	store := stores.NewMemoryAssignmentStore()
	svc, err := rbac.NewServiceFromConfig(context.Background(), store, cfg)
	if err != nil {
		t.Fatalf("new service from config: %v", err)
	}
	defer svc.Close(context.Background())

	if svc.StoreTimeout() != 250*time.Millisecond {
		t.Fatalf("store timeout not applied: %s", svc.StoreTimeout())
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 seeded assignments, got %d", store.Len())
	}
	res, err := svc.ApplyConfig(context.Background(), cfg)
	if err != nil || res.Created != 0 || res.Existing != 2 {
		t.Fatalf("re-apply should be a no-op, got %+v (%v)", res, err)
	}
	if d := svc.Check(context.Background(), check("bot", "execute", "workflow:w", "t1", "c1")); !d.Allow {
		t.Fatalf("expected seeded service account to be allowed, got %+v", d)
	}
}
