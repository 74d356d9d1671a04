/*
events.go - Explicit domain events

PURPOSE:
  Side effects that the original system expressed as implicit framework
  hooks are re-expressed here as explicit domain events, consumed
  synchronously by dedicated handlers invoked from the write path that
  caused them. The causal chain stays visible and testable: the caller
  that saves a node type dispatches NodeTypeSaved; the dispatcher runs
  the catalog sync handler before returning.

EVENTS:
  NodeTypeSaved      - A node-type definition was created or updated.
                       Consumed by Catalog.HandleNodeTypeSaved.
  ProjectRoleChanged - A user's role set on a project changed. Consumed
                       by the eligibility handler, which deactivates fee
                       subscriptions when billing eligibility is lost.
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// EVENTS
// =============================================================================

// NodeTypeSaved is emitted when a node-type definition is created or
// updated by the external definition owner.
type NodeTypeSaved struct {
	Name        string
	DisplayName string
	At          time.Time
}

// ProjectRoleChanged is emitted when a user's role set on a project
// changes.
type ProjectRoleChanged struct {
	UserID    UserID
	ProjectID ProjectID
	Roles     []Role
	At        time.Time
}

// =============================================================================
// DISPATCHER - Synchronous, in-process
// =============================================================================

// Dispatcher routes domain events to their handlers. Dispatch is
// synchronous: it returns only after every handler has run, so the write
// path that caused the event observes its consequences.
type Dispatcher struct {
	nodeTypeSaved      []func(context.Context, NodeTypeSaved) error
	projectRoleChanged []func(context.Context, ProjectRoleChanged) error
}

func NewDispatcher() *Dispatcher { return &Dispatcher{} }

func (d *Dispatcher) OnNodeTypeSaved(h func(context.Context, NodeTypeSaved) error) {
	d.nodeTypeSaved = append(d.nodeTypeSaved, h)
}

func (d *Dispatcher) OnProjectRoleChanged(h func(context.Context, ProjectRoleChanged) error) {
	d.projectRoleChanged = append(d.projectRoleChanged, h)
}

func (d *Dispatcher) DispatchNodeTypeSaved(ctx context.Context, e NodeTypeSaved) error {
	for _, h := range d.nodeTypeSaved {
		if err := h(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) DispatchProjectRoleChanged(ctx context.Context, e ProjectRoleChanged) error {
	for _, h := range d.projectRoleChanged {
		if err := h(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// ELIGIBILITY HANDLER
// =============================================================================

// EligibilityHandler consumes ProjectRoleChanged events: when the new
// role set no longer carries CanBeBilled, the user's active fee
// subscriptions on that project are deactivated.
type EligibilityHandler struct {
	Fees FeeStore
}

func (h *EligibilityHandler) HandleProjectRoleChanged(ctx context.Context, e ProjectRoleChanged) error {
	caps := CapabilitiesFor(e.Roles)
	if caps.Has(CanBeBilled) {
		return nil
	}
	return h.Fees.DeactivateFeeSubscriptions(ctx, e.UserID, e.ProjectID)
}
