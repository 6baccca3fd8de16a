package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusNew        TicketStatus = "new"
	TicketStatusAssigned   TicketStatus = "assigned"
	TicketStatusInProgress TicketStatus = "in-progress"
	TicketStatusResolved   TicketStatus = "resolved"
	TicketStatusClosed     TicketStatus = "closed"
)

// TicketPriority enumerates urgency levels.
type TicketPriority string

const (
	TicketPriorityLow      TicketPriority = "low"
	TicketPriorityMedium   TicketPriority = "medium"
	TicketPriorityHigh     TicketPriority = "high"
	TicketPriorityCritical TicketPriority = "critical"
)

// TicketCategory classifies the kind of work a ticket asks for.
type TicketCategory string

const (
	TicketCategoryBug     TicketCategory = "bug"
	TicketCategoryFeature TicketCategory = "feature"
	TicketCategoryUpdate  TicketCategory = "update"
	TicketCategorySupport TicketCategory = "support"
)

var (
	statusesAllowed   = []string{"new", "assigned", "in-progress", "resolved", "closed"}
	prioritiesAllowed = []string{"low", "medium", "high", "critical"}
	categoriesAllowed = []string{"bug", "feature", "update", "support"}
)

// ParseTicketStatus validates a status value.
func ParseTicketStatus(value string) (TicketStatus, error) {
	if !contains(statusesAllowed, value) {
		return "", &EnumError{Field: "status", Value: value, Allowed: statusesAllowed}
	}
	return TicketStatus(value), nil
}

// ParseTicketPriority validates a priority value; empty yields medium.
func ParseTicketPriority(value string) (TicketPriority, error) {
	if value == "" {
		return TicketPriorityMedium, nil
	}
	if !contains(prioritiesAllowed, value) {
		return "", &EnumError{Field: "priority", Value: value, Allowed: prioritiesAllowed}
	}
	return TicketPriority(value), nil
}

// ParseTicketCategory validates a category value; empty yields bug.
func ParseTicketCategory(value string) (TicketCategory, error) {
	if value == "" {
		return TicketCategoryBug, nil
	}
	if !contains(categoriesAllowed, value) {
		return "", &EnumError{Field: "category", Value: value, Allowed: categoriesAllowed}
	}
	return TicketCategory(value), nil
}

// Ticket is the aggregate for support requests.
type Ticket struct {
	ID           string
	Title        string
	Description  string
	Category     TicketCategory
	Priority     TicketPriority
	Status       TicketStatus
	ReporterID   string
	AssignedToID *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TicketView is a ticket with its reporter and assignee resolved for display.
type TicketView struct {
	Ticket
	Reporter *UserSummary
	Assignee *UserSummary
}

// Assignment carries a requested assignee. A nil UserID clears the assignee.
type Assignment struct {
	UserID *string
}

// TicketChanges is a partial update. Nil fields are left untouched. The
// reporter is fixed at creation and has no field here.
type TicketChanges struct {
	Title       *string
	Description *string
	Category    *TicketCategory
	Priority    *TicketPriority
	Status      *TicketStatus
	Assignee    *Assignment
}

// IsEmpty reports whether no field is set.
func (c TicketChanges) IsEmpty() bool {
	return c.Title == nil && c.Description == nil && c.Category == nil &&
		c.Priority == nil && c.Status == nil && c.Assignee == nil
}

// Apply copies the set fields onto the ticket.
func (c TicketChanges) Apply(ticket *Ticket) {
	if c.Title != nil {
		ticket.Title = *c.Title
	}
	if c.Description != nil {
		ticket.Description = *c.Description
	}
	if c.Category != nil {
		ticket.Category = *c.Category
	}
	if c.Priority != nil {
		ticket.Priority = *c.Priority
	}
	if c.Status != nil {
		ticket.Status = *c.Status
	}
	if c.Assignee != nil {
		ticket.AssignedToID = c.Assignee.UserID
	}
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
