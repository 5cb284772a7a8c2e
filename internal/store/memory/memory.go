package memory

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/store"
	"kitchenledger/backend/internal/xid"
)

// Faults lets tests reproduce backend failures the hosted store can produce.
type Faults struct {
	DenyLedgerReads bool
	FailLedgerReads bool
	DenyWrites      bool
	FailItemInsert  bool
	FailCancel      bool
	SlipCollisions  int
}

var errUnreachable = errors.New("backend unreachable")

type Store struct {
	mu              sync.RWMutex
	faults          Faults
	products        map[string]domain.Product
	chefs           map[string]domain.Chef
	customers       map[string]domain.Customer
	batches         map[string]domain.ProductionBatch
	batchByNumber   map[string]string
	dispatches      map[string]*domain.DispatchRecord
	slipsByDispatch map[string]*domain.PackingSlip
	slipNumbers     map[string]string
	stockTakes      []domain.StockTake
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD; when
// unset, dev defaults are used and a warning is logged. The postgres
// repository never uses these.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		logrus.WithField("component", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"staff", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			logrus.WithError(err).Fatalf("memory-store: failed to hash seed password for %s", u.username)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "prd-pad-thai-sauce", Name: "Pad Thai Sauce", Category: "sauce", Active: true},
		{ID: "prd-green-curry", Name: "Green Curry Paste", Category: "paste", Active: true},
		{ID: "prd-massaman", Name: "Massaman Curry", Category: "curry", Active: true},
		{ID: "prd-tom-yum", Name: "Tom Yum Broth", Category: "soup", Active: true},
	}
	chefs := []domain.Chef{
		{ID: "chef-somchai", Name: "Somchai", Active: true},
		{ID: "chef-nok", Name: "Nok", Active: true},
	}
	customers := []domain.Customer{
		{ID: "cust-tothai-restaurant", Name: "Tothai Restaurant", Address: "Main Street 12"},
		{ID: "cust-bangkok-market", Name: "Bangkok Market", Address: "Harbour Road 4"},
	}

	s := &Store{
		products:        make(map[string]domain.Product, len(products)),
		chefs:           make(map[string]domain.Chef, len(chefs)),
		customers:       make(map[string]domain.Customer, len(customers)),
		batches:         make(map[string]domain.ProductionBatch),
		batchByNumber:   make(map[string]string),
		dispatches:      make(map[string]*domain.DispatchRecord),
		slipsByDispatch: make(map[string]*domain.PackingSlip),
		slipNumbers:     make(map[string]string),
		stockTakes:      make([]domain.StockTake, 0, 8),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
	for _, p := range products {
		s.products[p.ID] = p
	}
	for _, c := range chefs {
		s.chefs[c.ID] = c
	}
	for _, c := range customers {
		s.customers[c.ID] = c
	}

	today := dateOnly(time.Now())
	for _, b := range []domain.ProductionBatch{
		{ID: "batch-seed-pts-001", BatchNumber: "PTS-001", Location: domain.LocationTothai, ProductID: "prd-pad-thai-sauce", ChefID: "chef-somchai", PackagesProduced: 60, ProductionDate: today.AddDate(0, 0, -3), ExpiryDate: today.AddDate(0, 0, 27)},
		{ID: "batch-seed-gcp-001", BatchNumber: "GCP-001", Location: domain.LocationTothai, ProductID: "prd-green-curry", ChefID: "chef-nok", PackagesProduced: 40, ProductionDate: today.AddDate(0, 0, -40), ExpiryDate: today.AddDate(0, 0, -5)},
		{ID: "batch-seed-msm-001", BatchNumber: "MSM-001", Location: domain.LocationKhin, ProductID: "prd-massaman", ChefID: "chef-somchai", PackagesProduced: 25, ProductionDate: today.AddDate(0, 0, -1), ExpiryDate: today.AddDate(0, 0, 13)},
	} {
		b.CreatedAt = time.Now().UTC()
		s.batches[b.ID] = b
		s.batchByNumber[batchKey(b.Location, b.BatchNumber)] = b.ID
	}
	return s
}

// SetFaults replaces the active fault configuration.
func (s *Store) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListChefs(_ context.Context) ([]domain.Chef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chefs := make([]domain.Chef, 0, len(s.chefs))
	for _, c := range s.chefs {
		chefs = append(chefs, c)
	}
	slices.SortFunc(chefs, func(a, b domain.Chef) int {
		return cmpString(a.Name, b.Name)
	})
	return chefs, nil
}

func (s *Store) GetChef(_ context.Context, id string) (*domain.Chef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chefs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		customers = append(customers, c)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return cmpString(a.Name, b.Name)
	})
	return customers, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateBatch(_ context.Context, batch domain.ProductionBatch) (*domain.ProductionBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults.DenyWrites {
		return nil, store.ErrPermissionDenied
	}
	if batch.BatchNumber == "" || !domain.IsValidLocation(batch.Location) || batch.PackagesProduced < 0 {
		return nil, store.ErrInvalidTransaction
	}
	key := batchKey(batch.Location, batch.BatchNumber)
	if _, exists := s.batchByNumber[key]; exists {
		return nil, store.ErrDuplicate
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	s.batches[batch.ID] = batch
	s.batchByNumber[key] = batch.ID
	return s.withNames(batch), nil
}

func (s *Store) GetBatchesByIDs(_ context.Context, ids []string) (map[string]domain.ProductionBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.ProductionBatch, len(ids))
	for _, id := range ids {
		if b, ok := s.batches[id]; ok {
			result[id] = *s.withNames(b)
		}
	}
	return result, nil
}

func (s *Store) ListBatches(_ context.Context, location string) ([]domain.ProductionBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := make([]domain.ProductionBatch, 0, len(s.batches))
	for _, b := range s.batches {
		if location != "" && b.Location != location {
			continue
		}
		batches = append(batches, *s.withNames(b))
	}
	slices.SortFunc(batches, func(a, b domain.ProductionBatch) int {
		if a.ExpiryDate.Equal(b.ExpiryDate) {
			return cmpString(a.BatchNumber, b.BatchNumber)
		}
		if a.ExpiryDate.Before(b.ExpiryDate) {
			return -1
		}
		return 1
	})
	return batches, nil
}

func (s *Store) ListConfirmedEntries(_ context.Context, location string) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.faults.DenyLedgerReads {
		return nil, store.ErrPermissionDenied
	}
	if s.faults.FailLedgerReads {
		return nil, errUnreachable
	}

	entries := make([]domain.LedgerEntry, 0, 32)
	for _, d := range s.dispatches {
		if d.Status != domain.DispatchStatusConfirmed {
			continue
		}
		for _, item := range d.Items {
			if item.ItemType != domain.ItemTypeBatch {
				continue
			}
			batch, ok := s.batches[item.ItemID]
			if !ok || (location != "" && batch.Location != location) {
				continue
			}
			entries = append(entries, domain.LedgerEntry{BatchID: item.ItemID, Quantity: item.Quantity})
		}
	}
	return entries, nil
}

// CreateDispatch stores the record before its items, the way the hosted
// backend does with two inserts. An item failure leaves an item-less draft.
func (s *Store) CreateDispatch(_ context.Context, record domain.DispatchRecord) (*domain.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults.DenyWrites {
		return nil, store.ErrPermissionDenied
	}
	if record.ID == "" {
		record.ID = xid.New("dsp")
	}
	if _, exists := s.dispatches[record.ID]; exists {
		return nil, store.ErrDuplicate
	}

	items := record.Items
	header := record
	header.Items = nil
	s.dispatches[record.ID] = &header

	if s.faults.FailItemInsert {
		return nil, errors.New("insert dispatch items: backend rejected rows")
	}

	stored := make([]domain.DispatchItem, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			item.ID = xid.New("dsi")
		}
		item.DispatchID = record.ID
		stored = append(stored, item)
	}
	header.Items = stored
	return cloneDispatch(&header), nil
}

func (s *Store) GetDispatch(_ context.Context, id string) (*domain.DispatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.dispatches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneDispatch(d), nil
}

func (s *Store) ListDispatches(_ context.Context, location string, status string, limit int) ([]domain.DispatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DispatchRecord, 0, len(s.dispatches))
	for _, d := range s.dispatches {
		if location != "" && d.Location != location {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		result = append(result, *cloneDispatch(d))
	}
	slices.SortFunc(result, func(a, b domain.DispatchRecord) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListDraftDispatchIDs(_ context.Context, location string, dispatchType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, 2)
	for _, d := range s.dispatches {
		if d.Status == domain.DispatchStatusDraft && d.Location == location && d.DispatchType == dispatchType {
			ids = append(ids, d.ID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) ConfirmDispatch(_ context.Context, id string, at time.Time) (*domain.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults.DenyWrites {
		return nil, store.ErrPermissionDenied
	}
	d, ok := s.dispatches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if d.Status != domain.DispatchStatusDraft {
		return nil, &store.StatusError{ID: id, Status: d.Status}
	}
	if len(d.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	d.Status = domain.DispatchStatusConfirmed
	d.UpdatedAt = at
	d.ConfirmedAt = &at
	return cloneDispatch(d), nil
}

func (s *Store) CancelDispatch(_ context.Context, id string, at time.Time) (*domain.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults.DenyWrites {
		return nil, store.ErrPermissionDenied
	}
	if s.faults.FailCancel {
		return nil, errUnreachable
	}
	d, ok := s.dispatches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if d.Status != domain.DispatchStatusDraft {
		return nil, &store.StatusError{ID: id, Status: d.Status}
	}

	d.Status = domain.DispatchStatusCancelled
	d.UpdatedAt = at
	d.CancelledAt = &at
	return cloneDispatch(d), nil
}

func (s *Store) CreatePackingSlip(_ context.Context, slip domain.PackingSlip) (*domain.PackingSlip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults.DenyWrites {
		return nil, store.ErrPermissionDenied
	}
	if _, ok := s.dispatches[slip.DispatchID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, exists := s.slipsByDispatch[slip.DispatchID]; exists {
		return nil, store.ErrDuplicate
	}
	if slip.SlipNumber != "" {
		return nil, store.ErrInvalidTransaction
	}
	if slip.ID == "" {
		slip.ID = xid.New("slip")
	}
	if slip.CreatedAt.IsZero() {
		slip.CreatedAt = time.Now().UTC()
	}

	stored := slip
	stored.BatchIDs = slices.Clone(slip.BatchIDs)
	s.slipsByDispatch[slip.DispatchID] = &stored
	return cloneSlip(&stored), nil
}

func (s *Store) GetPackingSlipByDispatch(_ context.Context, dispatchID string) (*domain.PackingSlip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slip, ok := s.slipsByDispatch[dispatchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSlip(slip), nil
}

func (s *Store) FinalizePackingSlip(_ context.Context, dispatchID string, slipNumber string, at time.Time) (*domain.PackingSlip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults.DenyWrites {
		return nil, store.ErrPermissionDenied
	}
	slip, ok := s.slipsByDispatch[dispatchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if slip.SlipNumber != "" {
		return cloneSlip(slip), nil
	}
	d := s.dispatches[dispatchID]
	if d == nil || d.Status != domain.DispatchStatusConfirmed {
		status := ""
		if d != nil {
			status = d.Status
		}
		return nil, &store.StatusError{ID: dispatchID, Status: status}
	}
	if s.faults.SlipCollisions > 0 {
		s.faults.SlipCollisions--
		return nil, store.ErrDuplicate
	}
	if _, taken := s.slipNumbers[slipNumber]; taken {
		return nil, store.ErrDuplicate
	}

	slip.SlipNumber = slipNumber
	slip.FinalizedAt = &at
	s.slipNumbers[slipNumber] = dispatchID
	return cloneSlip(slip), nil
}

func (s *Store) ListPackingSlips(_ context.Context, location string, from time.Time, to time.Time) ([]domain.PackingSlip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PackingSlip, 0, len(s.slipsByDispatch))
	for _, slip := range s.slipsByDispatch {
		if location != "" && slip.Location != location {
			continue
		}
		if slip.CreatedAt.Before(from) || !slip.CreatedAt.Before(to) {
			continue
		}
		result = append(result, *cloneSlip(slip))
	}
	slices.SortFunc(result, func(a, b domain.PackingSlip) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) ListUnfinalizedConfirmedDispatchIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, 4)
	for id, slip := range s.slipsByDispatch {
		d := s.dispatches[id]
		if d != nil && d.Status == domain.DispatchStatusConfirmed && slip.SlipNumber == "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) ApplyStockTake(_ context.Context, take domain.StockTake) (*domain.StockTake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults.DenyWrites {
		return nil, store.ErrPermissionDenied
	}
	for _, existing := range s.stockTakes {
		if take.Fingerprint != "" && existing.Fingerprint == take.Fingerprint {
			return nil, store.ErrDuplicate
		}
	}
	for _, line := range take.Lines {
		if _, ok := s.batches[line.BatchID]; !ok {
			return nil, store.ErrNotFound
		}
	}
	for _, line := range take.Lines {
		batch := s.batches[line.BatchID]
		batch.ManualStockAdjustment += line.Adjustment
		s.batches[line.BatchID] = batch
	}

	if take.ID == "" {
		take.ID = xid.New("stk")
	}
	if take.CreatedAt.IsZero() {
		take.CreatedAt = time.Now().UTC()
	}
	take.Lines = slices.Clone(take.Lines)
	s.stockTakes = append(s.stockTakes, take)
	created := take
	created.Lines = slices.Clone(take.Lines)
	return &created, nil
}

func (s *Store) FindStockTakeByFingerprint(_ context.Context, fingerprint string) (*domain.StockTake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, take := range s.stockTakes {
		if take.Fingerprint == fingerprint {
			found := take
			found.Lines = slices.Clone(take.Lines)
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListStockTakes(_ context.Context, location string, from time.Time, to time.Time) ([]domain.StockTake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockTake, 0, len(s.stockTakes))
	for _, take := range s.stockTakes {
		if location != "" && take.Location != location {
			continue
		}
		if take.CreatedAt.Before(from) || !take.CreatedAt.Before(to) {
			continue
		}
		found := take
		found.Lines = slices.Clone(take.Lines)
		result = append(result, found)
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, location string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if location != "" && entry.Location != location {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) withNames(b domain.ProductionBatch) *domain.ProductionBatch {
	if p, ok := s.products[b.ProductID]; ok {
		b.ProductName = p.Name
	}
	if c, ok := s.chefs[b.ChefID]; ok {
		b.ChefName = c.Name
	}
	return &b
}

func batchKey(location string, batchNumber string) string {
	return location + "|" + strings.ToUpper(strings.TrimSpace(batchNumber))
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneDispatch(src *domain.DispatchRecord) *domain.DispatchRecord {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	if dup.Items == nil {
		dup.Items = []domain.DispatchItem{}
	}
	return &dup
}

func cloneSlip(src *domain.PackingSlip) *domain.PackingSlip {
	if src == nil {
		return nil
	}
	dup := *src
	dup.BatchIDs = slices.Clone(src.BatchIDs)
	return &dup
}
