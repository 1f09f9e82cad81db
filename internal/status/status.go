// Package status defines the finite set of case statuses and the
// transition rules between them. It is pure data: no I/O, no clock.
package status

import "fmt"

// Status is the current position of a research case in its lifecycle.
type Status string

const (
	// Pending means research is in progress or ready to (re)run.
	Pending Status = "pending"
	// PendingAdmin means the case is paused waiting for an end-user reply
	// that supplies missing payload fields.
	PendingAdmin Status = "pending_admin"
	// NeedsAdminFix means the case is paused on an operator-correctable
	// problem (malformed configuration or data).
	NeedsAdminFix Status = "needs_admin_fix"

	ReportSent    Status = "report_sent"
	ReportNotSent Status = "report_not_sent"
	NotRelevant   Status = "not_relevant"
	Aborted       Status = "aborted"
)

// Initial is the status assigned to a case on creation.
const Initial = Pending

var terminal = map[Status]bool{
	ReportSent:    true,
	ReportNotSent: true,
	NotRelevant:   true,
	Aborted:       true,
}

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool { return terminal[s] }

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case Pending, PendingAdmin, NeedsAdminFix, ReportSent, ReportNotSent, NotRelevant, Aborted:
		return true
	}
	return false
}

// Parse converts a raw string into a Status.
func Parse(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// transitions lists the allowed next statuses for each non-terminal status.
// Aborted is reachable from any non-terminal status and handled in CanTransition.
var transitions = map[Status][]Status{
	Pending:       {PendingAdmin, NeedsAdminFix, ReportSent, ReportNotSent, NotRelevant},
	PendingAdmin:  {Pending, ReportSent, ReportNotSent, NotRelevant},
	NeedsAdminFix: {Pending},
}

// CanTransition reports whether moving from one status to another is legal.
// A transition to the same status is allowed for non-terminal statuses so
// that recorded side effects (e.g. a reminder) do not change the status.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == Aborted || to == from {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
