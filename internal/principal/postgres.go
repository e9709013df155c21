package principal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"depot/api/internal/model"
)

// ErrNotFound is returned when a user or group id does not resolve.
var ErrNotFound = errors.New("principal not found")

// PostgresDirectory implements Directory and Authenticator over the
// users/groups/group_members tables.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) GetUserByID(ctx context.Context, repositoryID, userID string) (*model.User, error) {
	var u model.User
	err := d.db.QueryRowContext(ctx,
		`SELECT id, repository_id, name, is_admin FROM users WHERE repository_id = $1 AND id = $2`,
		repositoryID, userID).Scan(&u.ID, &u.RepositoryID, &u.Name, &u.Admin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	return &u, nil
}

func (d *PostgresDirectory) GetGroupByID(ctx context.Context, repositoryID, groupID string) (*model.Group, error) {
	var g model.Group
	err := d.db.QueryRowContext(ctx,
		`SELECT id, repository_id, name FROM groups WHERE repository_id = $1 AND id = $2`,
		repositoryID, groupID).Scan(&g.ID, &g.RepositoryID, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup group %s: %w", groupID, err)
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT member_id, member_kind FROM group_members WHERE repository_id = $1 AND group_id = $2`,
		repositoryID, groupID)
	if err != nil {
		return nil, fmt.Errorf("lookup members of %s: %w", groupID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var memberID, kind string
		if err := rows.Scan(&memberID, &kind); err != nil {
			return nil, fmt.Errorf("scan member of %s: %w", groupID, err)
		}
		switch kind {
		case "group":
			g.Groups = append(g.Groups, memberID)
		default:
			g.Users = append(g.Users, memberID)
		}
	}
	return &g, rows.Err()
}

// GetGroupIDsContainingUser walks nested membership with a recursive CTE so
// a user in group A, where A is a member of B, is reported in both.
func (d *PostgresDirectory) GetGroupIDsContainingUser(ctx context.Context, repositoryID, userID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		WITH RECURSIVE containing AS (
			SELECT group_id FROM group_members
			WHERE repository_id = $1 AND member_id = $2 AND member_kind = 'user'
			UNION
			SELECT gm.group_id FROM group_members gm
			JOIN containing c ON gm.member_id = c.group_id
			WHERE gm.repository_id = $1 AND gm.member_kind = 'group'
		)
		SELECT group_id FROM containing
	`, repositoryID, userID)
	if err != nil {
		return nil, fmt.Errorf("groups containing %s: %w", userID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *PostgresDirectory) GetAdmins(ctx context.Context, repositoryID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM users WHERE repository_id = $1 AND is_admin`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan admin id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// VerifyPassword compares the stored bcrypt hash. A wrong password is not an
// error, just false.
func (d *PostgresDirectory) VerifyPassword(ctx context.Context, repositoryID, userID, password string) (bool, error) {
	var hash string
	err := d.db.QueryRowContext(ctx,
		`SELECT password_hash FROM users WHERE repository_id = $1 AND id = $2`,
		repositoryID, userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lookup credentials: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}
