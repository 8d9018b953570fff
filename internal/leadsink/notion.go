package leadsink

import (
	"context"

	"github.com/sells-group/intake-bot/internal/model"
	"github.com/sells-group/intake-bot/pkg/notion"
)

// NotionMirror writes leads into a Notion database.
type NotionMirror struct {
	client notion.Client
	dbID   string
}

// NewNotionMirror creates a Mirror backed by the given database.
func NewNotionMirror(client notion.Client, dbID string) *NotionMirror {
	return &NotionMirror{client: client, dbID: dbID}
}

func (m *NotionMirror) Create(ctx context.Context, lead *model.Lead) error {
	_, err := notion.CreateLead(ctx, m.client, m.dbID, lead)
	return err
}

func (m *NotionMirror) SetStatus(ctx context.Context, telegramID int64, status model.LeadStatus) error {
	return notion.SetLeadStatus(ctx, m.client, m.dbID, telegramID, status)
}
