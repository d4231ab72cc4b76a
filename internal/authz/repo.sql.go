package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-research/meridian-authz/internal/platform/db"
)

// PostgresRepository provides PostgreSQL backed persistence for acls.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs a repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the per-key
// statements run identically inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// The union merge runs entirely server-side: a single upsert whose conflict
// branch recomputes the sorted distinct union of the stored and incoming
// sets. Concurrent adders on the same (key, principal) serialize on the row
// and neither loses a permission. The surviving expiration is the later of
// the two, so a merge can extend an ace's lifetime but never shorten it and
// merge order does not matter.
const mergeAceSQL = `
INSERT INTO permissions (acl_key_index, acl_key, principal_type, principal_id, permissions, expiration_date)
VALUES ($1, $2::uuid[], $3, $4, $5::text[], $6)
ON CONFLICT (acl_key_index, principal_type, principal_id) DO UPDATE SET
    permissions = (
        SELECT array_agg(DISTINCT p ORDER BY p)
        FROM unnest(permissions.permissions || EXCLUDED.permissions) AS p
    ),
    expiration_date = GREATEST(permissions.expiration_date, EXCLUDED.expiration_date)`

func mergeAce(ctx context.Context, q querier, key AclKey, principal Principal, perms PermissionSet, expiration time.Time) error {
	if perms.IsEmpty() {
		return nil
	}
	if expiration.IsZero() {
		expiration = NoExpiration
	}
	_, err := q.Exec(ctx, mergeAceSQL,
		string(key.Index()), key.Strings(), string(principal.Type), principal.ID, perms.Strings(), expiration)
	if err != nil {
		return fmt.Errorf("authz: merge ace: %w", err)
	}
	return nil
}

const diffAceSQL = `
UPDATE permissions SET permissions = (
    SELECT COALESCE(array_agg(p ORDER BY p), '{}')
    FROM unnest(permissions.permissions) AS p
    WHERE NOT (p = ANY($4::text[]))
)
WHERE acl_key_index = $1 AND principal_type = $2 AND principal_id = $3`

const deleteEmptyAceSQL = `
DELETE FROM permissions
WHERE acl_key_index = $1 AND principal_type = $2 AND principal_id = $3 AND permissions = '{}'`

func diffAce(ctx context.Context, q querier, key AclKey, principal Principal, perms PermissionSet) error {
	if perms.IsEmpty() {
		return nil
	}
	index := string(key.Index())
	if _, err := q.Exec(ctx, diffAceSQL, index, string(principal.Type), principal.ID, perms.Strings()); err != nil {
		return fmt.Errorf("authz: diff ace: %w", err)
	}
	// An ace whose set became empty is semantically absent.
	if _, err := q.Exec(ctx, deleteEmptyAceSQL, index, string(principal.Type), principal.ID); err != nil {
		return fmt.Errorf("authz: drop empty ace: %w", err)
	}
	return nil
}

const replaceAceSQL = `
INSERT INTO permissions (acl_key_index, acl_key, principal_type, principal_id, permissions, expiration_date)
VALUES ($1, $2::uuid[], $3, $4, $5::text[], $6)
ON CONFLICT (acl_key_index, principal_type, principal_id) DO UPDATE SET
    permissions = EXCLUDED.permissions,
    expiration_date = EXCLUDED.expiration_date`

const deleteAceSQL = `
DELETE FROM permissions WHERE acl_key_index = $1 AND principal_type = $2 AND principal_id = $3`

func replaceAce(ctx context.Context, q querier, key AclKey, principal Principal, perms PermissionSet, expiration time.Time) error {
	if perms.IsEmpty() {
		if _, err := q.Exec(ctx, deleteAceSQL, string(key.Index()), string(principal.Type), principal.ID); err != nil {
			return fmt.Errorf("authz: delete ace: %w", err)
		}
		return nil
	}
	if expiration.IsZero() {
		expiration = NoExpiration
	}
	_, err := q.Exec(ctx, replaceAceSQL,
		string(key.Index()), key.Strings(), string(principal.Type), principal.ID, perms.Strings(), expiration)
	if err != nil {
		return fmt.Errorf("authz: replace ace: %w", err)
	}
	return nil
}

// WithTx executes fn against a transactional view of the store.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// MergeAce union-merges permissions into the ace, outside any transaction.
func (r *PostgresRepository) MergeAce(ctx context.Context, key AclKey, principal Principal, perms PermissionSet, expiration time.Time) error {
	return mergeAce(ctx, r.pool, key, principal, perms, expiration)
}

// AcesForKey returns every grant on the object.
func (r *PostgresRepository) AcesForKey(ctx context.Context, key AclKey) ([]Ace, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT principal_type, principal_id, permissions, expiration_date
         FROM permissions WHERE acl_key_index = $1
         ORDER BY principal_type, principal_id`,
		string(key.Index()))
	if err != nil {
		return nil, fmt.Errorf("authz: aces for key: %w", err)
	}
	defer rows.Close()
	return scanAces(rows)
}

func scanAces(rows pgx.Rows) ([]Ace, error) {
	var aces []Ace
	for rows.Next() {
		var (
			ptype, pid string
			names      []string
			expiration time.Time
		)
		if err := rows.Scan(&ptype, &pid, &names, &expiration); err != nil {
			return nil, fmt.Errorf("%w: scan ace: %v", ErrPartialRead, err)
		}
		perms, err := ParsePermissionSet(names)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPartialRead, err)
		}
		if perms.IsEmpty() {
			continue
		}
		aces = append(aces, Ace{
			Principal:      Principal{Type: PrincipalType(ptype), ID: pid},
			Permissions:    perms,
			ExpirationDate: expiration.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPartialRead, err)
	}
	return aces, nil
}

// ObjectType returns the registered type for the key, when present.
func (r *PostgresRepository) ObjectType(ctx context.Context, key AclKey) (SecurableObjectType, bool, error) {
	var objectType string
	err := r.pool.QueryRow(ctx,
		`SELECT object_type FROM securable_objects WHERE acl_key_index = $1`,
		string(key.Index())).Scan(&objectType)
	if errors.Is(err, pgx.ErrNoRows) {
		return ObjectUnknown, false, nil
	}
	if err != nil {
		return ObjectUnknown, false, fmt.Errorf("authz: object type: %w", err)
	}
	return SecurableObjectType(objectType), true, nil
}

// KeysForPrincipal lists every key the principal holds a grant on.
func (r *PostgresRepository) KeysForPrincipal(ctx context.Context, principal Principal) ([]AclKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT acl_key::text[] FROM permissions WHERE principal_type = $1 AND principal_id = $2`,
		string(principal.Type), principal.ID)
	if err != nil {
		return nil, fmt.Errorf("authz: keys for principal: %w", err)
	}
	defer rows.Close()
	return scanKeys(rows)
}

func scanKeys(rows pgx.Rows) ([]AclKey, error) {
	var keys []AclKey
	seen := make(map[AclKeyIndex]struct{})
	for rows.Next() {
		var elems []string
		if err := rows.Scan(&elems); err != nil {
			return nil, fmt.Errorf("%w: scan key: %v", ErrPartialRead, err)
		}
		key := make(AclKey, len(elems))
		for i, elem := range elems {
			id, err := uuid.Parse(elem)
			if err != nil {
				return nil, fmt.Errorf("%w: parse key element: %v", ErrPartialRead, err)
			}
			key[i] = id
		}
		if _, ok := seen[key.Index()]; ok {
			continue
		}
		seen[key.Index()] = struct{}{}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPartialRead, err)
	}
	return keys, nil
}

// AuthorizedKeys scans the index for keys of the requested types where some
// ace of the principal set matches the requested permissions.
func (r *PostgresRepository) AuthorizedKeys(ctx context.Context, q AuthorizedKeysQuery) ([]AclKey, error) {
	if len(q.Principals) == 0 {
		return nil, nil
	}
	types := make([]string, len(q.ObjectTypes))
	for i, t := range q.ObjectTypes {
		types[i] = string(t)
	}
	ptypes := make([]string, len(q.Principals))
	pids := make([]string, len(q.Principals))
	for i, p := range q.Principals {
		ptypes[i] = string(p.Type)
		pids[i] = p.ID
	}
	asOf := q.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	match := `p.permissions = $3::text[]`
	if q.Superset {
		match = `p.permissions @> $3::text[]`
	}
	sql := `SELECT DISTINCT p.acl_key::text[]
        FROM permissions p
        JOIN securable_objects o ON o.acl_key_index = p.acl_key_index
        WHERE (p.principal_type, p.principal_id) IN (SELECT unnest($1::text[]), unnest($2::text[]))
          AND ` + match + `
          AND o.object_type = ANY($4::text[])
          AND p.expiration_date > $5`
	args := []any{ptypes, pids, q.Permissions.Strings(), types, asOf}
	if len(q.Exclude) > 0 {
		sql += ` AND p.acl_key_index <> $6`
		args = append(args, string(q.Exclude.Index()))
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("authz: authorized keys: %w", err)
	}
	defer rows.Close()
	return scanKeys(rows)
}

// PrincipalsWithExactPermissions returns principals whose stored set equals
// perms on the key.
func (r *PostgresRepository) PrincipalsWithExactPermissions(ctx context.Context, key AclKey, perms PermissionSet, now time.Time) ([]Principal, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT principal_type, principal_id FROM permissions
         WHERE acl_key_index = $1 AND permissions = $2::text[] AND expiration_date > $3
         ORDER BY principal_type, principal_id`,
		string(key.Index()), perms.Strings(), now)
	if err != nil {
		return nil, fmt.Errorf("authz: principals with permissions: %w", err)
	}
	defer rows.Close()
	return scanPrincipals(rows)
}

func scanPrincipals(rows pgx.Rows) ([]Principal, error) {
	var principals []Principal
	for rows.Next() {
		var ptype, pid string
		if err := rows.Scan(&ptype, &pid); err != nil {
			return nil, fmt.Errorf("%w: scan principal: %v", ErrPartialRead, err)
		}
		principals = append(principals, Principal{Type: PrincipalType(ptype), ID: pid})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPartialRead, err)
	}
	return principals, nil
}

// OwnersForKeys aggregates, per key, the principals granted exactly {OWNER}.
func (r *PostgresRepository) OwnersForKeys(ctx context.Context, keys []AclKey) (map[AclKeyIndex][]Principal, error) {
	if len(keys) == 0 {
		return map[AclKeyIndex][]Principal{}, nil
	}
	ownerSet := NewPermissionSet(PermissionOwner)
	rows, err := r.pool.Query(ctx,
		`SELECT acl_key_index, principal_type, principal_id FROM permissions
         WHERE acl_key_index = ANY($1::text[]) AND permissions = $2::text[] AND expiration_date > $3
         ORDER BY acl_key_index, principal_type, principal_id`,
		IndexesOf(keys), ownerSet.Strings(), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("authz: owners for keys: %w", err)
	}
	defer rows.Close()
	owners := make(map[AclKeyIndex][]Principal)
	for rows.Next() {
		var index, ptype, pid string
		if err := rows.Scan(&index, &ptype, &pid); err != nil {
			return nil, fmt.Errorf("%w: scan owner: %v", ErrPartialRead, err)
		}
		owners[AclKeyIndex(index)] = append(owners[AclKeyIndex(index)],
			Principal{Type: PrincipalType(ptype), ID: pid})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPartialRead, err)
	}
	return owners, nil
}

// DeleteExpired removes up to limit aces expired as of asOf.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, asOf time.Time, limit int) ([]AclKey, error) {
	rows, err := r.pool.Query(ctx, `
        WITH doomed AS (
            SELECT acl_key_index, principal_type, principal_id
            FROM permissions
            WHERE expiration_date <= $1
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        )
        DELETE FROM permissions p USING doomed d
        WHERE p.acl_key_index = d.acl_key_index
          AND p.principal_type = d.principal_type
          AND p.principal_id = d.principal_id
        RETURNING p.acl_key::text[]`,
		asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("authz: delete expired: %w", err)
	}
	defer rows.Close()
	return scanKeys(rows)
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) RegisterObject(ctx context.Context, key AclKey, objectType SecurableObjectType) error {
	// First-writer-wins: later registrations never overwrite the type.
	_, err := t.tx.Exec(ctx,
		`INSERT INTO securable_objects (acl_key_index, acl_key, object_type)
         VALUES ($1, $2::uuid[], $3)
         ON CONFLICT (acl_key_index) DO NOTHING`,
		string(key.Index()), key.Strings(), string(objectType))
	if err != nil {
		return fmt.Errorf("authz: register object: %w", err)
	}
	return nil
}

func (t *txRepository) LockKey(ctx context.Context, key AclKey) error {
	rows, err := t.tx.Query(ctx,
		`SELECT 1 FROM permissions WHERE acl_key_index = $1 FOR UPDATE`,
		string(key.Index()))
	if err != nil {
		return fmt.Errorf("authz: lock key: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("authz: lock key: %w", err)
	}
	return nil
}

func (t *txRepository) CountSafeOwners(ctx context.Context, key AclKey, losing []Principal) (int, error) {
	losingIDs := make([]string, 0, len(losing))
	for _, p := range losing {
		if p.Type == PrincipalUser {
			losingIDs = append(losingIDs, p.ID)
		}
	}
	ownerSet := NewPermissionSet(PermissionOwner)
	var count int
	err := t.tx.QueryRow(ctx,
		`SELECT count(*) FROM permissions
         WHERE acl_key_index = $1
           AND principal_type = $2
           AND permissions = $3::text[]
           AND expiration_date > now()
           AND NOT (principal_id = ANY($4::text[]))`,
		string(key.Index()), string(PrincipalUser), ownerSet.Strings(), losingIDs).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("authz: count safe owners: %w", err)
	}
	return count, nil
}

func (t *txRepository) MergeAce(ctx context.Context, key AclKey, principal Principal, perms PermissionSet, expiration time.Time) error {
	return mergeAce(ctx, t.tx, key, principal, perms, expiration)
}

func (t *txRepository) DiffAce(ctx context.Context, key AclKey, principal Principal, perms PermissionSet) error {
	return diffAce(ctx, t.tx, key, principal, perms)
}

func (t *txRepository) ReplaceAce(ctx context.Context, key AclKey, principal Principal, perms PermissionSet, expiration time.Time) error {
	return replaceAce(ctx, t.tx, key, principal, perms, expiration)
}

func (t *txRepository) DeleteObject(ctx context.Context, key AclKey) error {
	index := string(key.Index())
	if _, err := t.tx.Exec(ctx, `DELETE FROM permissions WHERE acl_key_index = $1`, index); err != nil {
		return fmt.Errorf("authz: delete key aces: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM securable_objects WHERE acl_key_index = $1`, index); err != nil {
		return fmt.Errorf("authz: delete object record: %w", err)
	}
	return nil
}

func (t *txRepository) DeletePrincipalAces(ctx context.Context, principal Principal) ([]AclKey, error) {
	rows, err := t.tx.Query(ctx,
		`DELETE FROM permissions WHERE principal_type = $1 AND principal_id = $2
         RETURNING acl_key::text[]`,
		string(principal.Type), principal.ID)
	if err != nil {
		return nil, fmt.Errorf("authz: delete principal aces: %w", err)
	}
	defer rows.Close()
	return scanKeys(rows)
}
