// Package policy decides what a principal may see and change. Every function
// here is pure: no I/O, no clocks, no globals beyond the rule table.
package policy

import (
	"github.com/spec-kit/issue-tracker/internal/domain"
)

// Reason explains a denied decision.
type Reason string

const (
	ReasonNone Reason = ""
	// ReasonNotFoundOrForbidden is reported to callers exactly like a missing
	// ticket so existence does not leak.
	ReasonNotFoundOrForbidden Reason = "not-found-or-forbidden"
	// ReasonForbiddenStatusTransition is a status the role may not set.
	ReasonForbiddenStatusTransition Reason = "forbidden-status-transition"
)

// Scope is the repository-level equivalent of CanView.
type Scope struct {
	// All means no restriction.
	All bool
	// None means the principal can see nothing.
	None bool
	// ReporterID and AssignedToID restrict by reference; when both are set
	// either one matching is enough.
	ReporterID   string
	AssignedToID string
}

// Decision is the outcome of an update authorization.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Changes are the requested changes with disallowed fields removed.
	Changes domain.TicketChanges
}

type rule struct {
	viewAll        bool
	viewAssigned   bool
	viewReported   bool
	create         bool
	updateAny      bool
	updateReported bool
	assign         bool
	// statuses the role may set; nil means any status.
	statuses map[domain.TicketStatus]struct{}
	remove   bool
}

var rules = map[domain.Role]rule{
	domain.RoleClient: {
		viewReported:   true,
		create:         true,
		updateReported: true,
		statuses: map[domain.TicketStatus]struct{}{
			domain.TicketStatusResolved: {},
			domain.TicketStatusClosed:   {},
		},
	},
	domain.RoleDeveloper: {
		viewReported: true,
		viewAssigned: true,
		create:       true,
		updateAny:    true,
		assign:       true,
	},
	domain.RoleAdmin: {
		viewAll:   true,
		create:    true,
		updateAny: true,
		assign:    true,
		remove:    true,
	},
}

// unknown roles get the zero rule, which grants nothing.
func ruleFor(role domain.Role) rule {
	return rules[role]
}

// CanView reports whether the principal may see the ticket.
func CanView(p domain.Principal, t *domain.Ticket) bool {
	if t == nil {
		return false
	}
	r := ruleFor(p.Role)
	switch {
	case r.viewAll:
		return true
	case r.viewReported && t.ReporterID == p.ID:
		return true
	case r.viewAssigned && t.AssignedToID != nil && *t.AssignedToID == p.ID:
		return true
	}
	return false
}

// ViewScope translates CanView into a listing filter.
func ViewScope(p domain.Principal) Scope {
	r := ruleFor(p.Role)
	if r.viewAll {
		return Scope{All: true}
	}
	scope := Scope{}
	if r.viewReported {
		scope.ReporterID = p.ID
	}
	if r.viewAssigned {
		scope.AssignedToID = p.ID
	}
	if scope.ReporterID == "" && scope.AssignedToID == "" {
		scope.None = true
	}
	return scope
}

// CanCreate reports whether the principal may open tickets.
func CanCreate(p domain.Principal) bool {
	return p.ID != "" && ruleFor(p.Role).create
}

// AuthorizeUpdate checks the principal against the existing ticket and strips
// fields the role may not write.
func AuthorizeUpdate(p domain.Principal, existing *domain.Ticket, requested domain.TicketChanges) Decision {
	r := ruleFor(p.Role)
	isReporter := existing != nil && existing.ReporterID == p.ID
	if existing == nil || !(r.updateAny || (r.updateReported && isReporter)) {
		return Decision{Reason: ReasonNotFoundOrForbidden}
	}

	sanitized := requested
	if !r.assign {
		sanitized.Assignee = nil
	}
	if sanitized.Status != nil && r.statuses != nil {
		if _, ok := r.statuses[*sanitized.Status]; !ok {
			return Decision{Reason: ReasonForbiddenStatusTransition}
		}
	}
	return Decision{Allowed: true, Changes: sanitized}
}

// AuthorizeDelete reports whether the principal may remove tickets.
func AuthorizeDelete(p domain.Principal) bool {
	return ruleFor(p.Role).remove
}

// CanListUsers reports whether the principal may browse the user directory,
// which backs assignee selection.
func CanListUsers(p domain.Principal) bool {
	return ruleFor(p.Role).assign
}
