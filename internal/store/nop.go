package store

import (
	"context"

	"github.com/sells-group/intake-bot/internal/model"
)

// Nop discards every write. It stands in when no database is configured.
type Nop struct{}

var _ Store = Nop{}

func (Nop) AppendLead(context.Context, *model.Lead) error { return nil }
func (Nop) UpdateLeadStatus(context.Context, int64, model.LeadStatus) error { return nil }
func (Nop) ListLeads(context.Context, LeadFilter) ([]model.Lead, error) { return nil, nil }
func (Nop) AppendEvents(context.Context, []model.Event) error { return nil }
func (Nop) TouchUser(context.Context, model.UserRecord) error { return nil }
func (Nop) MarkUserCompleted(context.Context, int64) error { return nil }
func (Nop) Ping(context.Context) error { return nil }
func (Nop) Migrate(context.Context) error { return nil }
func (Nop) Close() error { return nil }
