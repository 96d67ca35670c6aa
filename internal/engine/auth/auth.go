package auth

import (
	"fmt"

	"briefline/internal/domain"
)

// ForbiddenError indicates the user does not own the project.
type ForbiddenError struct {
	ProjectID int64
	UserID    int64
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("user %d may not access project %d", e.UserID, e.ProjectID)
}

// RequireOwner allows only the project owner.
func RequireOwner(p domain.Project, userID int64) error {
	if userID <= 0 || p.OwnerID != userID {
		return ForbiddenError{ProjectID: p.ID, UserID: userID}
	}
	return nil
}
