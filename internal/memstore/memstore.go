// Package memstore is an in-memory implementation of the intake, schedule
// and reconcile store interfaces. It has no transactions, so intake runs its
// compensating path against it.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"work-orchestrator/internal/models"
)

type basket struct {
	workspaceID string
	ownerID     string
}

type membership struct {
	userID      string
	workspaceID string
}

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	recipes     map[string]models.Recipe
	context     []models.ContextItem
	memberships []membership
	baskets     map[string]basket

	requests     map[string]models.WorkRequest
	requestOrder []string
	tickets      map[string]models.WorkTicket
	ticketOrder  []string

	schedules     map[string]models.Schedule
	scheduleOrder []string

	audits []models.AuditLog

	requestErr error
	ticketErr  error
	deleteErr  error
	lookupErr  error
}

func New() *Store {
	return &Store{
		recipes:   make(map[string]models.Recipe),
		baskets:   make(map[string]basket),
		requests:  make(map[string]models.WorkRequest),
		tickets:   make(map[string]models.WorkTicket),
		schedules: make(map[string]models.Schedule),
	}
}

// Seeding.

func (s *Store) PutRecipe(r models.Recipe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Status == "" {
		r.Status = models.StatusActive
	}
	s.recipes[r.ID] = r
}

func (s *Store) PutContextItem(item models.ContextItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.Status == "" {
		item.Status = models.StatusActive
	}
	s.context = append(s.context, item)
}

func (s *Store) AddMembership(userID, workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships = append(s.memberships, membership{userID: userID, workspaceID: workspaceID})
}

func (s *Store) PutBasket(id, workspaceID, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baskets[id] = basket{workspaceID: workspaceID, ownerID: ownerID}
}

func (s *Store) PutSchedule(sc models.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sc.ID]; !ok {
		s.scheduleOrder = append(s.scheduleOrder, sc.ID)
	}
	s.schedules[sc.ID] = sc
}

// Failure injection.

func (s *Store) FailRequestInsert(err error) { s.setErr(&s.requestErr, err) }
func (s *Store) FailTicketInsert(err error)  { s.setErr(&s.ticketErr, err) }
func (s *Store) FailDelete(err error)        { s.setErr(&s.deleteErr, err) }
func (s *Store) FailLookups(err error)       { s.setErr(&s.lookupErr, err) }

func (s *Store) setErr(dst *error, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*dst = err
}

// Catalog and basket lookups.

func (s *Store) ActiveRecipeBySlug(_ context.Context, slug string) (*models.Recipe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	var best *models.Recipe
	for _, r := range s.recipes {
		if r.Slug != slug || r.Status != models.StatusActive {
			continue
		}
		if best == nil || r.Version > best.Version {
			r := r
			best = &r
		}
	}
	return best, nil
}

// UpsertRecipe replaces the recipe with the same id.
func (s *Store) UpsertRecipe(_ context.Context, r models.Recipe) error {
	s.PutRecipe(r)
	return nil
}

func (s *Store) RecipeByID(_ context.Context, id string) (*models.Recipe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	r, ok := s.recipes[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) ActiveContextTypes(_ context.Context, basketID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	seen := make(map[string]struct{})
	var out []string
	for _, item := range s.context {
		if item.BasketID != basketID || item.Status != models.StatusActive {
			continue
		}
		if _, ok := seen[item.ItemType]; ok {
			continue
		}
		seen[item.ItemType] = struct{}{}
		out = append(out, item.ItemType)
	}
	return out, nil
}

func (s *Store) FirstWorkspaceForUser(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return "", s.lookupErr
	}
	for _, m := range s.memberships {
		if m.userID == userID {
			return m.workspaceID, nil
		}
	}
	return "", nil
}

func (s *Store) WorkspaceForBasket(_ context.Context, basketID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return "", s.lookupErr
	}
	return s.baskets[basketID].workspaceID, nil
}

func (s *Store) BasketOwner(_ context.Context, basketID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return "", s.lookupErr
	}
	return s.baskets[basketID].ownerID, nil
}

// Requests and tickets.

func (s *Store) CreateWorkRequest(_ context.Context, req models.WorkRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestErr != nil {
		return s.requestErr
	}
	if _, dup := s.requests[req.ID]; dup {
		return fmt.Errorf("work request %s already exists", req.ID)
	}
	s.requests[req.ID] = req
	s.requestOrder = append(s.requestOrder, req.ID)
	return nil
}

func (s *Store) CreateWorkTicket(_ context.Context, t models.WorkTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticketErr != nil {
		return s.ticketErr
	}
	if _, ok := s.requests[t.WorkRequestID]; !ok {
		return fmt.Errorf("work request %s does not exist", t.WorkRequestID)
	}
	for _, existing := range s.tickets {
		if existing.WorkRequestID == t.WorkRequestID {
			return fmt.Errorf("work request %s already has a ticket", t.WorkRequestID)
		}
	}
	s.tickets[t.ID] = t
	s.ticketOrder = append(s.ticketOrder, t.ID)
	return nil
}

func (s *Store) DeleteWorkRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.requests, id)
	for i, rid := range s.requestOrder {
		if rid == id {
			s.requestOrder = append(s.requestOrder[:i], s.requestOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) GetWorkTicket(_ context.Context, id string) (*models.WorkTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *Store) GetWorkRequest(_ context.Context, id string) (*models.WorkRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// SetTicketStatus mimics the external agent runtime moving a ticket along.
func (s *Store) SetTicketStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tickets[id]; ok {
		t.Status = status
		s.tickets[id] = t
	}
}

func (s *Store) WorkRequests() []models.WorkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WorkRequest, 0, len(s.requestOrder))
	for _, id := range s.requestOrder {
		out = append(out, s.requests[id])
	}
	return out
}

func (s *Store) WorkTickets() []models.WorkTicket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WorkTicket, 0, len(s.ticketOrder))
	for _, id := range s.ticketOrder {
		out = append(out, s.tickets[id])
	}
	return out
}

func (s *Store) CountTicketsByStatus(_ context.Context, status string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return 0, s.lookupErr
	}
	var n int64
	for _, t := range s.tickets {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

// OrphanedRequests lists requests created before cutoff that have no ticket.
func (s *Store) OrphanedRequests(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	ticketed := make(map[string]struct{}, len(s.tickets))
	for _, t := range s.tickets {
		ticketed[t.WorkRequestID] = struct{}{}
	}
	var out []string
	for _, id := range s.requestOrder {
		r := s.requests[id]
		if _, ok := ticketed[id]; ok || !r.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// InjectOrphan stores a request with no ticket, as a crash between the two inserts would.
func (s *Store) InjectOrphan(req models.WorkRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	s.requestOrder = append(s.requestOrder, req.ID)
}

// Schedules.

func (s *Store) DueSchedules(_ context.Context, now time.Time) ([]models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	var due []models.Schedule
	for _, id := range s.scheduleOrder {
		if sc := s.schedules[id]; sc.Due(now) {
			due = append(due, sc)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	return due, nil
}

func (s *Store) GetSchedule(_ context.Context, id string) (*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, nil
	}
	return &sc, nil
}

func (s *Store) RecordScheduleSuccess(_ context.Context, id string, ranAt time.Time, ticketID string, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	status := models.RunSuccess
	sc.LastRunAt = &ranAt
	sc.LastRunStatus = &status
	sc.LastRunTicketID = &ticketID
	sc.RunCount++
	if nextRunAt != nil {
		sc.NextRunAt = *nextRunAt
	}
	s.schedules[id] = sc
	return nil
}

func (s *Store) RecordScheduleFailure(_ context.Context, id string, ranAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	status := models.RunFailed
	sc.LastRunAt = &ranAt
	sc.LastRunStatus = &status
	s.schedules[id] = sc
	return nil
}

func (s *Store) CountDueSchedules(ctx context.Context, now time.Time) (int64, error) {
	due, err := s.DueSchedules(ctx, now)
	return int64(len(due)), err
}

func (s *Store) CountEnabledSchedules(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sc := range s.schedules {
		if sc.Enabled {
			n++
		}
	}
	return n, nil
}

// Audit.

func (s *Store) AppendAudit(_ context.Context, entityID, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, models.AuditLog{EntityID: entityID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

func (s *Store) Audits() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditLog(nil), s.audits...)
}
