package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/issue-tracker/internal/domain"
	"github.com/spec-kit/issue-tracker/internal/events"
	"github.com/spec-kit/issue-tracker/internal/policy"
	"github.com/spec-kit/issue-tracker/internal/repository"
	apperrors "github.com/spec-kit/issue-tracker/pkg/util/errorutil"
)

// TicketService coordinates ticket workflows. Every operation takes the
// calling principal explicitly and consults the policy package before touching
// the repository.
//
// Status is a free field for developers and admins: any value may follow any
// other. Concurrent updates to one ticket are last-write-wins.
type TicketService struct {
	tickets    repository.TicketRepository
	users      *UserDirectory
	dispatcher events.Dispatcher
	logger     *zap.Logger
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	TicketRepo repository.TicketRepository
	Users      *UserDirectory
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
}

// TicketCreateInput describes ticket creation payload. There is no reporter
// field: the reporter is always the caller.
type TicketCreateInput struct {
	Title       string
	Description string
	Category    string
	Priority    string
}

// TicketUpdateInput carries raw requested changes. Nil fields are untouched.
type TicketUpdateInput struct {
	Title       *string
	Description *string
	Category    *string
	Priority    *string
	Status      *string
	Assignee    *domain.Assignment
}

// TicketListFilter narrows a listing beyond the caller's visibility scope.
type TicketListFilter struct {
	Statuses   []string
	Categories []string
	Priorities []string
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketService{
		tickets:    deps.TicketRepo,
		users:      deps.Users,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}
}

// Create opens a ticket reported by the caller.
func (s *TicketService) Create(ctx context.Context, principal domain.Principal, input TicketCreateInput) (*domain.TicketView, error) {
	if !policy.CanCreate(principal) {
		return nil, apperrors.NewForbidden("not authorized to create tickets")
	}
	title := strings.TrimSpace(input.Title)
	description := strings.TrimSpace(input.Description)
	if title == "" || description == "" {
		return nil, apperrors.NewValidationError("title and description required", map[string]any{
			"missing": missingFields(map[string]string{"title": title, "description": description}),
		})
	}
	category, err := domain.ParseTicketCategory(strings.TrimSpace(input.Category))
	if err != nil {
		return nil, enumValidationError(err)
	}
	priority, err := domain.ParseTicketPriority(strings.TrimSpace(input.Priority))
	if err != nil {
		return nil, enumValidationError(err)
	}

	ticket := &domain.Ticket{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Category:    category,
		Priority:    priority,
		Status:      domain.TicketStatusNew,
		ReporterID:  principal.ID,
	}
	if err := s.tickets.Create(ctx, ticket); err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	s.logger.Info("ticket created", zap.String("ticket_id", ticket.ID), zap.String("reporter_id", ticket.ReporterID))

	s.publishEvent(ctx, principal, events.EventTicketCreated, ticket.ID, events.TicketCreatedPayload{
		ReporterID: ticket.ReporterID,
		Category:   ticket.Category,
		Priority:   ticket.Priority,
		Title:      ticket.Title,
	})
	return s.view(ctx, ticket)
}

// List returns the tickets the caller may see, newest first.
func (s *TicketService) List(ctx context.Context, principal domain.Principal, filter TicketListFilter) ([]domain.TicketView, error) {
	repoFilter, err := buildFilter(policy.ViewScope(principal), filter)
	if err != nil {
		return nil, err
	}
	tickets, err := s.tickets.List(ctx, repoFilter)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return s.views(ctx, tickets)
}

// Get fetches one ticket. Tickets the caller may not see are reported as
// missing.
func (s *TicketService) Get(ctx context.Context, principal domain.Principal, id string) (*domain.TicketView, error) {
	ticket, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !policy.CanView(principal, ticket) {
		return nil, ticketNotFound(id)
	}
	return s.view(ctx, ticket)
}

// Update applies the caller's changes after stripping fields their role may
// not write.
func (s *TicketService) Update(ctx context.Context, principal domain.Principal, id string, input TicketUpdateInput) (*domain.TicketView, error) {
	requested, err := parseChanges(input)
	if err != nil {
		return nil, err
	}

	ticket, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	decision := policy.AuthorizeUpdate(principal, ticket, requested)
	if !decision.Allowed {
		switch decision.Reason {
		case policy.ReasonForbiddenStatusTransition:
			return nil, apperrors.NewForbidden("clients may only resolve or close their own tickets")
		default:
			return nil, ticketNotFound(id)
		}
	}
	changes := decision.Changes
	if changes.IsEmpty() {
		return s.view(ctx, ticket)
	}

	if err := s.validateAssignee(ctx, changes.Assignee); err != nil {
		return nil, err
	}

	before := *ticket
	changes.Apply(ticket)
	if err := s.tickets.Update(ctx, ticket); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ticketNotFound(id)
		}
		return nil, apperrors.NewInternalError(err)
	}
	s.logger.Info("ticket updated",
		zap.String("ticket_id", ticket.ID),
		zap.String("actor_id", principal.ID),
		zap.Strings("fields", changedFields(changes)))

	s.publishUpdateEvents(ctx, principal, &before, ticket, changes)
	return s.view(ctx, ticket)
}

// Delete removes a ticket. Only admins may delete.
func (s *TicketService) Delete(ctx context.Context, principal domain.Principal, id string) error {
	if !policy.AuthorizeDelete(principal) {
		return apperrors.NewForbidden("not authorized to delete tickets")
	}
	ticket, err := s.fetch(ctx, id)
	if err != nil {
		return err
	}
	if err := s.tickets.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ticketNotFound(id)
		}
		return apperrors.NewInternalError(err)
	}
	s.logger.Info("ticket deleted", zap.String("ticket_id", id), zap.String("actor_id", principal.ID))

	s.publishEvent(ctx, principal, events.EventTicketDeleted, id, events.TicketDeletedPayload{
		ReporterID: ticket.ReporterID,
		Title:      ticket.Title,
	})
	return nil
}

func (s *TicketService) fetch(ctx context.Context, id string) (*domain.Ticket, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ticketNotFound(id)
	}
	ticket, err := s.tickets.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ticketNotFound(id)
	}
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return ticket, nil
}

func (s *TicketService) validateAssignee(ctx context.Context, assignment *domain.Assignment) error {
	if assignment == nil || assignment.UserID == nil {
		return nil
	}
	exists, err := s.users.Exists(ctx, *assignment.UserID)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	if !exists {
		return apperrors.NewValidationError("assignee does not exist", map[string]any{"assigned_to_id": *assignment.UserID})
	}
	return nil
}

func (s *TicketService) view(ctx context.Context, ticket *domain.Ticket) (*domain.TicketView, error) {
	views, err := s.views(ctx, []domain.Ticket{*ticket})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// views resolves reporter and assignee summaries for a batch of tickets.
func (s *TicketService) views(ctx context.Context, tickets []domain.Ticket) ([]domain.TicketView, error) {
	ids := make([]string, 0, len(tickets)*2)
	for i := range tickets {
		ids = append(ids, tickets[i].ReporterID)
		if tickets[i].AssignedToID != nil {
			ids = append(ids, *tickets[i].AssignedToID)
		}
	}
	summaries, err := s.users.Resolve(ctx, ids)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	result := make([]domain.TicketView, 0, len(tickets))
	for i := range tickets {
		v := domain.TicketView{Ticket: tickets[i]}
		if summary, ok := summaries[tickets[i].ReporterID]; ok {
			v.Reporter = &summary
		}
		if tickets[i].AssignedToID != nil {
			if summary, ok := summaries[*tickets[i].AssignedToID]; ok {
				v.Assignee = &summary
			}
		}
		result = append(result, v)
	}
	return result, nil
}

func (s *TicketService) publishUpdateEvents(ctx context.Context, principal domain.Principal, before, after *domain.Ticket, changes domain.TicketChanges) {
	s.publishEvent(ctx, principal, events.EventTicketUpdated, after.ID, events.TicketUpdatedPayload{
		Fields: changedFields(changes),
	})
	if before.Status != after.Status {
		s.publishEvent(ctx, principal, events.EventTicketStatusChanged, after.ID, events.TicketStatusChangedPayload{
			OldStatus: before.Status,
			NewStatus: after.Status,
		})
	}
	if !sameID(before.AssignedToID, after.AssignedToID) {
		s.publishEvent(ctx, principal, events.EventTicketAssigned, after.ID, events.TicketAssignedPayload{
			OldAssigneeID: before.AssignedToID,
			NewAssigneeID: after.AssignedToID,
		})
	}
}

func (s *TicketService) publishEvent(ctx context.Context, principal domain.Principal, eventType events.EventType, ticketID string, payload any) {
	if s.dispatcher == nil {
		return
	}
	event := events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		TicketID:  ticketID,
		Actor:     events.ActorFrom(principal),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func buildFilter(scope policy.Scope, filter TicketListFilter) (repository.TicketFilter, error) {
	repoFilter := repository.TicketFilter{MatchNone: scope.None}
	if !scope.All && !scope.None {
		if scope.ReporterID != "" {
			reporter := scope.ReporterID
			repoFilter.ReporterID = &reporter
		}
		if scope.AssignedToID != "" {
			assignee := scope.AssignedToID
			repoFilter.AssignedToID = &assignee
		}
		repoFilter.MatchAny = repoFilter.ReporterID != nil && repoFilter.AssignedToID != nil
	}

	for _, raw := range filter.Statuses {
		status, err := domain.ParseTicketStatus(raw)
		if err != nil {
			return repository.TicketFilter{}, enumValidationError(err)
		}
		repoFilter.Statuses = append(repoFilter.Statuses, status)
	}
	for _, raw := range filter.Categories {
		if raw == "" {
			return repository.TicketFilter{}, emptyField("category")
		}
		category, err := domain.ParseTicketCategory(raw)
		if err != nil {
			return repository.TicketFilter{}, enumValidationError(err)
		}
		repoFilter.Categories = append(repoFilter.Categories, category)
	}
	for _, raw := range filter.Priorities {
		if raw == "" {
			return repository.TicketFilter{}, emptyField("priority")
		}
		priority, err := domain.ParseTicketPriority(raw)
		if err != nil {
			return repository.TicketFilter{}, enumValidationError(err)
		}
		repoFilter.Priorities = append(repoFilter.Priorities, priority)
	}
	return repoFilter, nil
}

// parseChanges validates enum and required-field constraints up front, so
// bad payloads fail the same way whether or not the ticket exists.
func parseChanges(input TicketUpdateInput) (domain.TicketChanges, error) {
	var changes domain.TicketChanges
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return changes, emptyField("title")
		}
		changes.Title = &title
	}
	if input.Description != nil {
		description := strings.TrimSpace(*input.Description)
		if description == "" {
			return changes, emptyField("description")
		}
		changes.Description = &description
	}
	if input.Category != nil {
		if *input.Category == "" {
			return changes, emptyField("category")
		}
		category, err := domain.ParseTicketCategory(*input.Category)
		if err != nil {
			return changes, enumValidationError(err)
		}
		changes.Category = &category
	}
	if input.Priority != nil {
		if *input.Priority == "" {
			return changes, emptyField("priority")
		}
		priority, err := domain.ParseTicketPriority(*input.Priority)
		if err != nil {
			return changes, enumValidationError(err)
		}
		changes.Priority = &priority
	}
	if input.Status != nil {
		status, err := domain.ParseTicketStatus(*input.Status)
		if err != nil {
			return changes, enumValidationError(err)
		}
		changes.Status = &status
	}
	if input.Assignee != nil {
		assignment := domain.Assignment{}
		if input.Assignee.UserID != nil && strings.TrimSpace(*input.Assignee.UserID) != "" {
			id := strings.TrimSpace(*input.Assignee.UserID)
			assignment.UserID = &id
		}
		changes.Assignee = &assignment
	}
	return changes, nil
}

func emptyField(field string) error {
	return apperrors.NewValidationError(field+" cannot be empty", map[string]any{"field": field})
}

func changedFields(c domain.TicketChanges) []string {
	var fields []string
	if c.Title != nil {
		fields = append(fields, "title")
	}
	if c.Description != nil {
		fields = append(fields, "description")
	}
	if c.Category != nil {
		fields = append(fields, "category")
	}
	if c.Priority != nil {
		fields = append(fields, "priority")
	}
	if c.Status != nil {
		fields = append(fields, "status")
	}
	if c.Assignee != nil {
		fields = append(fields, "assigned_to_id")
	}
	return fields
}

func missingFields(values map[string]string) []string {
	var missing []string
	for _, name := range []string{"title", "description"} {
		if values[name] == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func sameID(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func ticketNotFound(id string) error {
	return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
}
