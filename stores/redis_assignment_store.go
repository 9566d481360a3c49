package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/rbac"
)

// RedisAssignmentStore keeps one set per subject (key: {prefix}assignments:{subjectID})
// whose members are encoded bindings, so SADD/SREM replies give idempotence for
// free. Assignment metadata lives in a companion hash keyed by the same member.
type RedisAssignmentStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisAssignmentStore(client redis.UniversalClient) *RedisAssignmentStore {
	return &RedisAssignmentStore{client: client, prefix: "rbac:"}
}

// WithPrefix namespaces every key, e.g. per environment.
func (r *RedisAssignmentStore) WithPrefix(prefix string) *RedisAssignmentStore {
	r.prefix = prefix
	return r
}

func (r *RedisAssignmentStore) setKey(subjectID string) string {
	return r.prefix + "assignments:" + subjectID
}

func (r *RedisAssignmentStore) metaKey(subjectID string) string {
	return r.prefix + "assignment-meta:" + subjectID
}

type assignmentMeta struct {
	ID          string           `json:"id"`
	SubjectType rbac.SubjectType `json:"subject_type"`
	CreatedAt   time.Time        `json:"created_at"`
}

func (r *RedisAssignmentStore) GetAssignments(ctx context.Context, subjectID string) ([]rbac.RoleAssignment, error) {
	pipe := r.client.Pipeline()
	members := pipe.SMembers(ctx, r.setKey(subjectID))
	metas := pipe.HGetAll(ctx, r.metaKey(subjectID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis get assignments: %w", err)
	}
	meta := metas.Val()
	out := make([]rbac.RoleAssignment, 0, len(members.Val()))
	for _, m := range members.Val() {
		b, err := decodeBinding(m)
		if err != nil {
			return nil, fmt.Errorf("redis decode assignment %q: %w", m, err)
		}
		a := rbac.RoleAssignment{SubjectID: subjectID, SubjectType: rbac.SubjectUser, Role: b.Role, Scope: b.scope()}
		if raw, ok := meta[m]; ok {
			var md assignmentMeta
			if err := json.Unmarshal([]byte(raw), &md); err == nil {
				a.ID, a.CreatedAt = md.ID, md.CreatedAt
				if md.SubjectType != "" {
					a.SubjectType = md.SubjectType
				}
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *RedisAssignmentStore) CreateAssignment(ctx context.Context, a rbac.RoleAssignment) (bool, error) {
	member := bindingOf(a).encode()
	meta, err := json.Marshal(assignmentMeta{ID: a.ID, SubjectType: a.SubjectType, CreatedAt: a.CreatedAt.UTC()})
	if err != nil {
		return false, err
	}
	pipe := r.client.TxPipeline()
	added := pipe.SAdd(ctx, r.setKey(a.SubjectID), member)
	pipe.HSetNX(ctx, r.metaKey(a.SubjectID), member, string(meta))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis create assignment: %w", err)
	}
	return added.Val() > 0, nil
}

func (r *RedisAssignmentStore) DeleteAssignment(ctx context.Context, subjectID, role string, scope rbac.Scope) (bool, error) {
	member := binding{Role: role, TenantID: scope.TenantID, ClientID: scope.ClientID}.encode()
	pipe := r.client.TxPipeline()
	removed := pipe.SRem(ctx, r.setKey(subjectID), member)
	pipe.HDel(ctx, r.metaKey(subjectID), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis delete assignment: %w", err)
	}
	return removed.Val() > 0, nil
}

// PurgeScope walks every subject set with SCAN. It is O(assignments) and meant
// for the rare tenant or client deletion, not the request path.
func (r *RedisAssignmentStore) PurgeScope(ctx context.Context, scope rbac.Scope) ([]string, error) {
	switch scope.Kind() {
	case rbac.ScopeTenant, rbac.ScopeClient:
	default:
		return nil, fmt.Errorf("%w: cannot purge %s", rbac.ErrInvalidScope, scope)
	}
	setPrefix := r.prefix + "assignments:"
	affected := make([]string, 0)
	iter := r.client.Scan(ctx, 0, setPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		subjectID := strings.TrimPrefix(key, setPrefix)
		members, err := r.client.SMembers(ctx, key).Result()
		if err != nil {
			return affected, fmt.Errorf("redis purge scope: %w", err)
		}
		var doomed []any
		for _, m := range members {
			b, err := decodeBinding(m)
			if err != nil || !inScope(scope, b.scope()) {
				continue
			}
			doomed = append(doomed, m)
		}
		if len(doomed) == 0 {
			continue
		}
		pipe := r.client.TxPipeline()
		pipe.SRem(ctx, key, doomed...)
		pipe.HDel(ctx, r.metaKey(subjectID), toStrings(doomed)...)
		if _, err := pipe.Exec(ctx); err != nil {
			return affected, fmt.Errorf("redis purge scope: %w", err)
		}
		affected = append(affected, subjectID)
	}
	if err := iter.Err(); err != nil {
		return affected, fmt.Errorf("redis purge scope: %w", err)
	}
	sort.Strings(affected)
	return affected, nil
}

func toStrings(in []any) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = v.(string)
	}
	return out
}
