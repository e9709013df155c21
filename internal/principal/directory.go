// Package principal looks up users, groups and group membership for a
// repository. The directory is an external collaborator: the ACL expander,
// token service and query processor all consume this interface.
package principal

import (
	"context"

	"depot/api/internal/model"
)

// Reserved principal ids understood by the permission layer.
const (
	Anyone    = "depot:anyone"
	Anonymous = "depot:anonymous"
)

// Directory resolves principals within one repository.
type Directory interface {
	GetUserByID(ctx context.Context, repositoryID, userID string) (*model.User, error)
	GetGroupByID(ctx context.Context, repositoryID, groupID string) (*model.Group, error)
	// GetGroupIDsContainingUser returns every group the user belongs to,
	// including transitive membership through nested groups.
	GetGroupIDsContainingUser(ctx context.Context, repositoryID, userID string) ([]string, error)
	// GetAdmins returns the ids of the repository's administrator users.
	GetAdmins(ctx context.Context, repositoryID string) ([]string, error)
}

// Authenticator verifies user credentials.
type Authenticator interface {
	VerifyPassword(ctx context.Context, repositoryID, userID, password string) (bool, error)
}
