// Package session holds per-user funnel sessions and serializes work per user.
package session

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-bot/internal/model"
)

// ErrNotFound is returned when a user has no session.
var ErrNotFound = eris.New("session: not found")

// Registry maps user identity to that user's current session.
// Get returns a copy; changes are visible only after Save.
type Registry interface {
	Get(ctx context.Context, userID int64) (*model.Session, error)
	Save(ctx context.Context, s *model.Session) error
	Delete(ctx context.Context, userID int64) error
}
