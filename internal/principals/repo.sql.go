package principals

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-research/meridian-authz/internal/authz"
)

// PostgresRepository provides PostgreSQL backed persistence for principals
// and the nesting graph.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs a repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Insert(ctx context.Context, sp SecurablePrincipal) error {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO principals (principal_type, principal_id, acl_key_index, acl_key, title, description)
         VALUES ($1, $2, $3, $4::uuid[], $5, $6)
         ON CONFLICT (principal_type, principal_id) DO NOTHING`,
		string(sp.Principal.Type), sp.Principal.ID,
		string(sp.Key.Index()), sp.Key.Strings(), sp.Title, sp.Description)
	if err != nil {
		return fmt.Errorf("principals: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, sp.Principal)
	}
	return nil
}

const selectPrincipalColumns = `principal_type, principal_id, acl_key::text[], title, description`

func (r *PostgresRepository) GetByPrincipal(ctx context.Context, p authz.Principal) (SecurablePrincipal, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+selectPrincipalColumns+` FROM principals WHERE principal_type = $1 AND principal_id = $2`,
		string(p.Type), p.ID)
	sp, err := scanSecurablePrincipal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SecurablePrincipal{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return sp, err
}

func (r *PostgresRepository) GetByKey(ctx context.Context, key authz.AclKey) (SecurablePrincipal, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+selectPrincipalColumns+` FROM principals WHERE acl_key_index = $1`,
		string(key.Index()))
	sp, err := scanSecurablePrincipal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SecurablePrincipal{}, fmt.Errorf("%w: key %s", ErrNotFound, key)
	}
	return sp, err
}

func (r *PostgresRepository) Exists(ctx context.Context, p authz.Principal) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM principals WHERE principal_type = $1 AND principal_id = $2)`,
		string(p.Type), p.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("principals: exists: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, p authz.Principal) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM principals WHERE principal_type = $1 AND principal_id = $2`,
		string(p.Type), p.ID)
	if err != nil {
		return fmt.Errorf("principals: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return nil
}

func (r *PostgresRepository) AddEdge(ctx context.Context, parent, child authz.AclKey) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO principal_trees (parent_acl_key_index, child_acl_key_index)
         VALUES ($1, $2)
         ON CONFLICT (parent_acl_key_index, child_acl_key_index) DO NOTHING`,
		string(parent.Index()), string(child.Index()))
	if err != nil {
		return fmt.Errorf("principals: add edge: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveEdge(ctx context.Context, parent, child authz.AclKey) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM principal_trees WHERE parent_acl_key_index = $1 AND child_acl_key_index = $2`,
		string(parent.Index()), string(child.Index()))
	if err != nil {
		return fmt.Errorf("principals: remove edge: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveEdgesFor(ctx context.Context, key authz.AclKey) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM principal_trees WHERE parent_acl_key_index = $1 OR child_acl_key_index = $1`,
		string(key.Index()))
	if err != nil {
		return fmt.Errorf("principals: remove edges for key: %w", err)
	}
	return nil
}

func (r *PostgresRepository) HasEdge(ctx context.Context, parent, child authz.AclKey) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
            SELECT 1 FROM principal_trees
            WHERE parent_acl_key_index = $1 AND child_acl_key_index = $2
         )`,
		string(parent.Index()), string(child.Index())).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("principals: has edge: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) ParentsOf(ctx context.Context, childIndexes []string) ([]SecurablePrincipal, error) {
	if len(childIndexes) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT pr.principal_type, pr.principal_id, pr.acl_key::text[], pr.title, pr.description
         FROM principal_trees t
         JOIN principals pr ON pr.acl_key_index = t.parent_acl_key_index
         WHERE t.child_acl_key_index = ANY($1::text[])`,
		childIndexes)
	if err != nil {
		return nil, fmt.Errorf("principals: parents of: %w", err)
	}
	defer rows.Close()
	return scanSecurablePrincipals(rows)
}

func (r *PostgresRepository) ChildrenOf(ctx context.Context, parentIndexes []string) ([]SecurablePrincipal, error) {
	if len(parentIndexes) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT pr.principal_type, pr.principal_id, pr.acl_key::text[], pr.title, pr.description
         FROM principal_trees t
         JOIN principals pr ON pr.acl_key_index = t.child_acl_key_index
         WHERE t.parent_acl_key_index = ANY($1::text[])`,
		parentIndexes)
	if err != nil {
		return nil, fmt.Errorf("principals: children of: %w", err)
	}
	defer rows.Close()
	return scanSecurablePrincipals(rows)
}

func scanSecurablePrincipal(row pgx.Row) (SecurablePrincipal, error) {
	var (
		ptype, pid, title, description string
		elems                          []string
	)
	if err := row.Scan(&ptype, &pid, &elems, &title, &description); err != nil {
		return SecurablePrincipal{}, err
	}
	key, err := parseKeyElements(elems)
	if err != nil {
		return SecurablePrincipal{}, err
	}
	return SecurablePrincipal{
		Principal:   authz.Principal{Type: authz.PrincipalType(ptype), ID: pid},
		Key:         key,
		Title:       title,
		Description: description,
	}, nil
}

func scanSecurablePrincipals(rows pgx.Rows) ([]SecurablePrincipal, error) {
	var out []SecurablePrincipal
	for rows.Next() {
		sp, err := scanSecurablePrincipal(rows)
		if err != nil {
			return nil, fmt.Errorf("principals: scan: %w", err)
		}
		out = append(out, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("principals: rows: %w", err)
	}
	return out, nil
}

func parseKeyElements(elems []string) (authz.AclKey, error) {
	key := make(authz.AclKey, len(elems))
	for i, elem := range elems {
		id, err := uuid.Parse(elem)
		if err != nil {
			return nil, fmt.Errorf("principals: parse key element: %w", err)
		}
		key[i] = id
	}
	return key, nil
}
