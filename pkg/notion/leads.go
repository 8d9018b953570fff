package notion

import (
	"context"
	"strconv"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-bot/internal/model"
)

// Property names in the CRM lead database.
const (
	PropName       = "Name"
	PropTelegramID = "Telegram ID"
	PropUsername   = "Username"
	PropPhone      = "Phone"
	PropSegment    = "Segment"
	PropCost       = "Cost Estimate"
	PropDuration   = "Time Estimate"
	PropStatus     = "Status"
	PropCompleted  = "Completed"
)

// ErrLeadNotFound is returned when no page matches a Telegram ID.
var ErrLeadNotFound = eris.New("notion: lead not found")

func richText(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type: notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{
			{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}},
		},
	}
}

// LeadProperties maps a lead onto database properties. Answer values go in
// as rich text columns named after their keys.
func LeadProperties(l *model.Lead) notionapi.Properties {
	completed := notionapi.Date(l.CompletedAt)
	props := notionapi.Properties{
		PropName: notionapi.TitleProperty{
			Type: notionapi.PropertyTypeTitle,
			Title: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: l.Name}},
			},
		},
		PropTelegramID: richText(strconv.FormatInt(l.TelegramID, 10)),
		PropUsername:   richText(l.Username),
		PropPhone: notionapi.PhoneNumberProperty{
			Type:        notionapi.PropertyTypePhoneNumber,
			PhoneNumber: l.Phone,
		},
		PropSegment: notionapi.SelectProperty{
			Type:   notionapi.PropertyTypeSelect,
			Select: notionapi.Option{Name: l.Segment},
		},
		PropCost:     richText(l.Cost),
		PropDuration: richText(l.Duration),
		PropStatus:   statusProperty(l.Status),
		PropCompleted: notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &completed},
		},
	}
	for i, v := range l.AnswerColumns() {
		props[model.AnswerKeys[i]] = richText(v)
	}
	return props
}

func statusProperty(s model.LeadStatus) notionapi.StatusProperty {
	return notionapi.StatusProperty{
		Status: notionapi.Status{Name: string(s)},
	}
}

// CreateLead adds one page for the lead and returns its page id.
func CreateLead(ctx context.Context, c Client, dbID string, l *model.Lead) (string, error) {
	page, err := c.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: LeadProperties(l),
	})
	if err != nil {
		return "", eris.Wrapf(err, "notion: create lead %d", l.TelegramID)
	}
	return string(page.ID), nil
}

// FindLead returns the id of the most recently completed page for a Telegram user.
func FindLead(ctx context.Context, c Client, dbID string, telegramID int64) (string, error) {
	resp, err := c.QueryDatabase(ctx, dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: PropTelegramID,
			RichText: &notionapi.TextFilterCondition{
				Equals: strconv.FormatInt(telegramID, 10),
			},
		},
		Sorts: []notionapi.SortObject{
			{Property: PropCompleted, Direction: notionapi.SortOrderDESC},
		},
		PageSize: 1,
	})
	if err != nil {
		return "", eris.Wrapf(err, "notion: find lead %d", telegramID)
	}
	if len(resp.Results) == 0 {
		return "", eris.Wrapf(ErrLeadNotFound, "telegram id %d", telegramID)
	}
	return string(resp.Results[0].ID), nil
}

// SetLeadStatus finds the latest page for the user and updates its status.
func SetLeadStatus(ctx context.Context, c Client, dbID string, telegramID int64, status model.LeadStatus) error {
	pageID, err := FindLead(ctx, c, dbID, telegramID)
	if err != nil {
		return err
	}
	_, err = c.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			PropStatus: statusProperty(status),
		},
	})
	if err != nil {
		return eris.Wrapf(err, "notion: set lead status %d", telegramID)
	}
	return nil
}
