package dto

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/spec-kit/issue-tracker/internal/domain"
)

// CreateTicketRequest payload. Reporter and status are not accepted.
type CreateTicketRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Priority    string `json:"priority"`
}

// UpdateTicketRequest payload. Absent fields are left untouched.
type UpdateTicketRequest struct {
	Title        *string          `json:"title"`
	Description  *string          `json:"description"`
	Category     *string          `json:"category"`
	Priority     *string          `json:"priority"`
	Status       *string          `json:"status"`
	AssignedToID OptionalAssignee `json:"assigned_to_id"`
}

// OptionalAssignee distinguishes an absent assigned_to_id from an explicit
// null, which clears the assignee.
type OptionalAssignee struct {
	Set    bool
	UserID *string
}

// UnmarshalJSON records that the field was present.
func (o *OptionalAssignee) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.UserID = nil
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	o.UserID = &id
	return nil
}

// Assignment converts the field into a domain assignment, nil when absent.
func (o OptionalAssignee) Assignment() *domain.Assignment {
	if !o.Set {
		return nil
	}
	return &domain.Assignment{UserID: o.UserID}
}

// TicketResponse is the public ticket view.
type TicketResponse struct {
	ID           string                `json:"id"`
	Title        string                `json:"title"`
	Description  string                `json:"description"`
	Category     domain.TicketCategory `json:"category"`
	Priority     domain.TicketPriority `json:"priority"`
	Status       domain.TicketStatus   `json:"status"`
	ReporterID   string                `json:"reporter_id"`
	AssignedToID *string               `json:"assigned_to_id"`
	Reporter     *domain.UserSummary   `json:"reporter"`
	Assignee     *domain.UserSummary   `json:"assignee"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// DeleteResponse confirms a removal.
type DeleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// NewTicketResponse builds the response from a resolved view.
func NewTicketResponse(v *domain.TicketView) TicketResponse {
	return TicketResponse{
		ID:           v.ID,
		Title:        v.Title,
		Description:  v.Description,
		Category:     v.Category,
		Priority:     v.Priority,
		Status:       v.Status,
		ReporterID:   v.ReporterID,
		AssignedToID: v.AssignedToID,
		Reporter:     v.Reporter,
		Assignee:     v.Assignee,
		CreatedAt:    v.CreatedAt,
		UpdatedAt:    v.UpdatedAt,
	}
}
