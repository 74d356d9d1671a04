/*
maintenance.go - Maintenance window lifecycle

PURPOSE:
  Maintenance windows may be created, edited, and deleted only while they
  are strictly in the future. Once a window's start instant has passed it
  is locked against mutation: any billing period already computed against
  it must stay reproducible.
*/
package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type MaintenanceService struct {
	Windows MaintenanceStore
	Now     func() time.Time
}

func NewMaintenanceService(windows MaintenanceStore) *MaintenanceService {
	return &MaintenanceService{Windows: windows, Now: time.Now}
}

// Create records a future maintenance window.
func (s *MaintenanceService) Create(ctx context.Context, title, description string, start, end time.Time, creator UserID) (*MaintenanceWindow, error) {
	if err := s.validateInterval(start, end); err != nil {
		return nil, err
	}

	w := MaintenanceWindow{
		ID:          WindowID(uuid.NewString()),
		Title:       title,
		Description: description,
		Start:       start.UTC(),
		End:         end.UTC(),
		CreatedBy:   creator,
		CreatedAt:   s.Now().UTC(),
	}
	if err := s.Windows.SaveWindow(ctx, w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Update edits a window that has not started yet. The new interval must
// also lie strictly in the future.
func (s *MaintenanceService) Update(ctx context.Context, id WindowID, title, description string, start, end time.Time) (*MaintenanceWindow, error) {
	w, err := s.mutable(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validateInterval(start, end); err != nil {
		return nil, err
	}

	w.Title = title
	w.Description = description
	w.Start = start.UTC()
	w.End = end.UTC()
	if err := s.Windows.SaveWindow(ctx, *w); err != nil {
		return nil, err
	}
	return w, nil
}

// Delete removes a window that has not started yet.
func (s *MaintenanceService) Delete(ctx context.Context, id WindowID) error {
	if _, err := s.mutable(ctx, id); err != nil {
		return err
	}
	return s.Windows.DeleteWindow(ctx, id)
}

// mutable loads the window and rejects mutation once it has started.
func (s *MaintenanceService) mutable(ctx context.Context, id WindowID) (*MaintenanceWindow, error) {
	w, err := s.Windows.GetWindow(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWindowNotFound
	}
	if !s.Now().UTC().Before(w.Start) {
		return nil, &ImmutableError{Resource: "maintenance window " + string(id), Reason: "window has started"}
	}
	return w, nil
}

func (s *MaintenanceService) validateInterval(start, end time.Time) error {
	if !end.After(start) {
		return &ValidationError{Field: "end", Reason: "must be strictly after start"}
	}
	if !s.Now().UTC().Before(start) {
		return &ValidationError{Field: "start", Reason: "must be strictly in the future"}
	}
	return nil
}
