package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/store"
	"kitchenledger/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

var _ store.Repository = (*Store)(nil)

type Store struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", classify(err))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, active
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 32)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, classify(rows.Err())
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, active
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Category, &p.Active)
	if err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (s *Store) ListChefs(ctx context.Context) ([]domain.Chef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, active
		FROM chefs
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	chefs := make([]domain.Chef, 0, 16)
	for rows.Next() {
		var c domain.Chef
		if err := rows.Scan(&c.ID, &c.Name, &c.Active); err != nil {
			return nil, err
		}
		chefs = append(chefs, c)
	}
	return chefs, classify(rows.Err())
}

func (s *Store) GetChef(ctx context.Context, id string) (*domain.Chef, error) {
	var c domain.Chef
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, active
		FROM chefs
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Active)
	if err != nil {
		return nil, classify(err)
	}
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, address
		FROM customers
		ORDER BY name
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 32)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Address); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, classify(rows.Err())
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, address
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Address)
	if err != nil {
		return nil, classify(err)
	}
	return &c, nil
}

const batchColumns = `
	b.id, b.batch_number, b.location, b.product_id, COALESCE(p.name, ''), b.chef_id, COALESCE(c.name, ''),
	b.packages_produced, b.manual_stock_adjustment, b.production_date, b.expiry_date, b.created_at
	FROM production_batches b
	LEFT JOIN products p ON p.id = b.product_id
	LEFT JOIN chefs c ON c.id = b.chef_id`

func scanBatch(row rowScanner) (domain.ProductionBatch, error) {
	var b domain.ProductionBatch
	err := row.Scan(&b.ID, &b.BatchNumber, &b.Location, &b.ProductID, &b.ProductName, &b.ChefID, &b.ChefName,
		&b.PackagesProduced, &b.ManualStockAdjustment, &b.ProductionDate, &b.ExpiryDate, &b.CreatedAt)
	if err != nil {
		return b, err
	}
	b.ProductionDate = b.ProductionDate.UTC()
	b.ExpiryDate = b.ExpiryDate.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func (s *Store) CreateBatch(ctx context.Context, batch domain.ProductionBatch) (*domain.ProductionBatch, error) {
	if batch.BatchNumber == "" || !domain.IsValidLocation(batch.Location) || batch.PackagesProduced < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO production_batches (
			id, batch_number, location, product_id, chef_id, packages_produced,
			manual_stock_adjustment, production_date, expiry_date, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, batch.ID, batch.BatchNumber, batch.Location, batch.ProductID, batch.ChefID, batch.PackagesProduced,
		batch.ManualStockAdjustment, dateUTC(batch.ProductionDate), dateUTC(batch.ExpiryDate), batch.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}

	created, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` WHERE b.id = $1`, batch.ID))
	if err != nil {
		return nil, classify(err)
	}
	return &created, nil
}

func (s *Store) GetBatchesByIDs(ctx context.Context, ids []string) (map[string]domain.ProductionBatch, error) {
	result := make(map[string]domain.ProductionBatch, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` WHERE b.id = ANY($1)`, ids)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		result[b.ID] = b
	}
	return result, classify(rows.Err())
}

func (s *Store) ListBatches(ctx context.Context, location string) ([]domain.ProductionBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		WHERE ($1 = '' OR b.location = $1)
		ORDER BY b.expiry_date ASC, b.batch_number ASC
	`, location)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	batches := make([]domain.ProductionBatch, 0, 64)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, classify(rows.Err())
}

// ListConfirmedEntries is the only read the stock ledger needs: batch lines
// of confirmed dispatches. Row level security may deny it independently of
// the batch table.
func (s *Store) ListConfirmedEntries(ctx context.Context, location string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT di.item_id, di.quantity
		FROM dispatch_items di
		JOIN dispatches d ON d.id = di.dispatch_id
		JOIN production_batches b ON b.id = di.item_id
		WHERE d.status = 'confirmed'
			AND di.item_type = 'batch'
			AND ($1 = '' OR b.location = $1)
	`, location)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, 64)
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.BatchID, &e.Quantity); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, classify(rows.Err())
}

// CreateDispatch writes the header and its items in one transaction, so a
// failed item insert never leaves an item-less draft behind.
func (s *Store) CreateDispatch(ctx context.Context, record domain.DispatchRecord) (*domain.DispatchRecord, error) {
	if record.ID == "" {
		record.ID = xid.New("dsp")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dispatches (
			id, dispatch_type, status, location, customer_id, picker_name, notes,
			total_items, total_packages, created_by, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, record.ID, record.DispatchType, record.Status, record.Location, nullIfEmpty(record.CustomerID), record.PickerName,
		record.Notes, record.TotalItems, record.TotalPackages, record.CreatedBy, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}

	for _, item := range record.Items {
		if item.ID == "" {
			item.ID = xid.New("dsi")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dispatch_items (
				id, dispatch_id, item_id, item_type, item_name, quantity,
				batch_number, production_date, expiry_date
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, item.ID, record.ID, item.ItemID, item.ItemType, item.ItemName, item.Quantity,
			nullIfEmpty(item.BatchNumber), nullDate(item.ProductionDate), nullDate(item.ExpiryDate))
		if err != nil {
			return nil, fmt.Errorf("insert dispatch items: %w", classify(err))
		}
	}

	created, err := getDispatch(ctx, tx, record.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return created, nil
}

const dispatchColumns = `
	id, dispatch_type, status, location, COALESCE(customer_id, ''), picker_name, notes,
	total_items, total_packages, created_by, created_at, updated_at, confirmed_at, cancelled_at
	FROM dispatches`

func scanDispatch(row rowScanner) (domain.DispatchRecord, error) {
	var (
		d           domain.DispatchRecord
		confirmedAt sql.NullTime
		cancelledAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.DispatchType, &d.Status, &d.Location, &d.CustomerID, &d.PickerName, &d.Notes,
		&d.TotalItems, &d.TotalPackages, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt, &confirmedAt, &cancelledAt)
	if err != nil {
		return d, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	d.ConfirmedAt = timePtr(confirmedAt)
	d.CancelledAt = timePtr(cancelledAt)
	d.Items = []domain.DispatchItem{}
	return d, nil
}

func getDispatch(ctx context.Context, q queryer, id string) (*domain.DispatchRecord, error) {
	d, err := scanDispatch(q.QueryRowContext(ctx, `SELECT `+dispatchColumns+` WHERE id = $1`, id))
	if err != nil {
		return nil, classify(err)
	}
	items, err := loadItems(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	if found := items[id]; found != nil {
		d.Items = found
	}
	return &d, nil
}

func loadItems(ctx context.Context, q queryer, dispatchIDs []string) (map[string][]domain.DispatchItem, error) {
	result := make(map[string][]domain.DispatchItem, len(dispatchIDs))
	if len(dispatchIDs) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, dispatch_id, item_id, item_type, item_name, quantity,
			COALESCE(batch_number, ''), production_date, expiry_date
		FROM dispatch_items
		WHERE dispatch_id = ANY($1)
		ORDER BY dispatch_id, id
	`, dispatchIDs)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item       domain.DispatchItem
			production sql.NullTime
			expiry     sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.DispatchID, &item.ItemID, &item.ItemType, &item.ItemName, &item.Quantity,
			&item.BatchNumber, &production, &expiry); err != nil {
			return nil, err
		}
		item.ProductionDate = timePtr(production)
		item.ExpiryDate = timePtr(expiry)
		result[item.DispatchID] = append(result[item.DispatchID], item)
	}
	return result, classify(rows.Err())
}

func (s *Store) GetDispatch(ctx context.Context, id string) (*domain.DispatchRecord, error) {
	return getDispatch(ctx, s.db, id)
}

func (s *Store) ListDispatches(ctx context.Context, location string, status string, limit int) ([]domain.DispatchRecord, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+dispatchColumns+`
		WHERE ($1 = '' OR location = $1)
			AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, location, status, limitArg)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	dispatches := make([]domain.DispatchRecord, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		dispatches = append(dispatches, d)
		ids = append(ids, d.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	items, err := loadItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range dispatches {
		if found := items[dispatches[i].ID]; found != nil {
			dispatches[i].Items = found
		}
	}
	return dispatches, nil
}

func (s *Store) ListDraftDispatchIDs(ctx context.Context, location string, dispatchType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM dispatches
		WHERE status = 'draft' AND location = $1 AND dispatch_type = $2
		ORDER BY id
	`, location, dispatchType)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *Store) ConfirmDispatch(ctx context.Context, id string, at time.Time) (*domain.DispatchRecord, error) {
	return s.transition(ctx, id, domain.DispatchStatusConfirmed, at)
}

func (s *Store) CancelDispatch(ctx context.Context, id string, at time.Time) (*domain.DispatchRecord, error) {
	return s.transition(ctx, id, domain.DispatchStatusCancelled, at)
}

// transition moves a draft to a terminal status under a row lock, so two
// concurrent confirms cannot both succeed.
func (s *Store) transition(ctx context.Context, id string, to string, at time.Time) (*domain.DispatchRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status
		FROM dispatches
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&status)
	if err != nil {
		return nil, classify(err)
	}
	if status != domain.DispatchStatusDraft {
		return nil, &store.StatusError{ID: id, Status: status}
	}

	if to == domain.DispatchStatusConfirmed {
		var items int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM dispatch_items WHERE dispatch_id = $1`, id).Scan(&items); err != nil {
			return nil, classify(err)
		}
		if items == 0 {
			return nil, store.ErrInvalidTransaction
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE dispatches
			SET status = $2, updated_at = $3, confirmed_at = $3
			WHERE id = $1 AND status = 'draft'
		`, id, to, at)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE dispatches
			SET status = $2, updated_at = $3, cancelled_at = $3
			WHERE id = $1 AND status = 'draft'
		`, id, to, at)
	}
	if err != nil {
		return nil, classify(err)
	}

	updated, err := getDispatch(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return updated, nil
}

const slipColumns = `
	id, dispatch_id, COALESCE(slip_number, ''), location, destination, prepared_by, picked_up_by,
	batch_ids, total_items, total_packages, pickup_date, created_at, finalized_at
	FROM packing_slips`

func scanSlip(row rowScanner) (domain.PackingSlip, error) {
	var (
		slip        domain.PackingSlip
		batchIDs    []byte
		finalizedAt sql.NullTime
	)
	err := row.Scan(&slip.ID, &slip.DispatchID, &slip.SlipNumber, &slip.Location, &slip.Destination, &slip.PreparedBy,
		&slip.PickedUpBy, &batchIDs, &slip.TotalItems, &slip.TotalPackages, &slip.PickupDate, &slip.CreatedAt, &finalizedAt)
	if err != nil {
		return slip, err
	}
	if err := json.Unmarshal(batchIDs, &slip.BatchIDs); err != nil {
		return slip, fmt.Errorf("decode batch ids of slip %s: %w", slip.ID, err)
	}
	slip.PickupDate = slip.PickupDate.UTC()
	slip.CreatedAt = slip.CreatedAt.UTC()
	slip.FinalizedAt = timePtr(finalizedAt)
	return slip, nil
}

func getSlip(ctx context.Context, q queryer, dispatchID string) (*domain.PackingSlip, error) {
	slip, err := scanSlip(q.QueryRowContext(ctx, `SELECT `+slipColumns+` WHERE dispatch_id = $1`, dispatchID))
	if err != nil {
		return nil, classify(err)
	}
	return &slip, nil
}

func (s *Store) CreatePackingSlip(ctx context.Context, slip domain.PackingSlip) (*domain.PackingSlip, error) {
	if slip.SlipNumber != "" {
		return nil, store.ErrInvalidTransaction
	}
	if slip.ID == "" {
		slip.ID = xid.New("slip")
	}
	if slip.CreatedAt.IsZero() {
		slip.CreatedAt = time.Now().UTC()
	}
	if slip.BatchIDs == nil {
		slip.BatchIDs = []string{}
	}
	batchIDs, err := json.Marshal(slip.BatchIDs)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO packing_slips (
			id, dispatch_id, location, destination, prepared_by, picked_up_by,
			batch_ids, total_items, total_packages, pickup_date, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, slip.ID, slip.DispatchID, slip.Location, slip.Destination, slip.PreparedBy, slip.PickedUpBy,
		string(batchIDs), slip.TotalItems, slip.TotalPackages, slip.PickupDate, slip.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return getSlip(ctx, s.db, slip.DispatchID)
}

func (s *Store) GetPackingSlipByDispatch(ctx context.Context, dispatchID string) (*domain.PackingSlip, error) {
	return getSlip(ctx, s.db, dispatchID)
}

// FinalizePackingSlip numbers a slip once its dispatch is confirmed. A slip
// that already carries a number is returned unchanged; a number taken by
// another slip surfaces as store.ErrDuplicate through the unique index.
func (s *Store) FinalizePackingSlip(ctx context.Context, dispatchID string, slipNumber string, at time.Time) (*domain.PackingSlip, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current sql.NullString
		status  string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT ps.slip_number, d.status
		FROM packing_slips ps
		JOIN dispatches d ON d.id = ps.dispatch_id
		WHERE ps.dispatch_id = $1
		FOR UPDATE OF ps
	`, dispatchID).Scan(&current, &status)
	if err != nil {
		return nil, classify(err)
	}
	if current.Valid && current.String != "" {
		return getSlip(ctx, tx, dispatchID)
	}
	if status != domain.DispatchStatusConfirmed {
		return nil, &store.StatusError{ID: dispatchID, Status: status}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE packing_slips
		SET slip_number = $2, finalized_at = $3
		WHERE dispatch_id = $1 AND slip_number IS NULL
	`, dispatchID, slipNumber, at)
	if err != nil {
		return nil, classify(err)
	}

	slip, err := getSlip(ctx, tx, dispatchID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return slip, nil
}

func (s *Store) ListPackingSlips(ctx context.Context, location string, from time.Time, to time.Time) ([]domain.PackingSlip, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+slipColumns+`
		WHERE ($1 = '' OR location = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at ASC, id ASC
	`, location, from, to)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	slips := make([]domain.PackingSlip, 0, 32)
	for rows.Next() {
		slip, err := scanSlip(rows)
		if err != nil {
			return nil, err
		}
		slips = append(slips, slip)
	}
	return slips, classify(rows.Err())
}

func (s *Store) ListUnfinalizedConfirmedDispatchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ps.dispatch_id
		FROM packing_slips ps
		JOIN dispatches d ON d.id = ps.dispatch_id
		WHERE d.status = 'confirmed' AND ps.slip_number IS NULL
		ORDER BY ps.dispatch_id
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ApplyStockTake records the take and adds every line's adjustment to its
// batch atomically. The fingerprint index rejects a second copy of a sheet.
func (s *Store) ApplyStockTake(ctx context.Context, take domain.StockTake) (*domain.StockTake, error) {
	if take.ID == "" {
		take.ID = xid.New("stk")
	}
	if take.CreatedAt.IsZero() {
		take.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_takes (
			id, location, stocktaker_name, stocktaker_date, fingerprint, applied_by, net_adjustment, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, take.ID, take.Location, take.StocktakerName, take.StocktakerDate, take.Fingerprint, take.AppliedBy,
		take.NetAdjustment, take.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}

	for i, line := range take.Lines {
		res, err := tx.ExecContext(ctx, `
			UPDATE production_batches
			SET manual_stock_adjustment = manual_stock_adjustment + $2
			WHERE id = $1
		`, line.BatchID, line.Adjustment)
		if err != nil {
			return nil, classify(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, store.ErrNotFound
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_take_lines (
				stock_take_id, line_no, batch_id, batch_number, product_name,
				system_stock, physical_count, adjustment, notes
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, take.ID, i+1, line.BatchID, line.BatchNumber, line.ProductName,
			line.SystemStock, line.PhysicalCount, line.Adjustment, line.Notes)
		if err != nil {
			return nil, classify(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	applied := take
	applied.Lines = append([]domain.StockTakeLine(nil), take.Lines...)
	return &applied, nil
}

const stockTakeColumns = `
	id, location, stocktaker_name, stocktaker_date, fingerprint, applied_by, net_adjustment, created_at
	FROM stock_takes`

func scanStockTake(row rowScanner) (domain.StockTake, error) {
	var t domain.StockTake
	err := row.Scan(&t.ID, &t.Location, &t.StocktakerName, &t.StocktakerDate, &t.Fingerprint, &t.AppliedBy,
		&t.NetAdjustment, &t.CreatedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.Lines = []domain.StockTakeLine{}
	return t, err
}

func (s *Store) FindStockTakeByFingerprint(ctx context.Context, fingerprint string) (*domain.StockTake, error) {
	take, err := scanStockTake(s.db.QueryRowContext(ctx, `SELECT `+stockTakeColumns+` WHERE fingerprint = $1`, fingerprint))
	if err != nil {
		return nil, classify(err)
	}
	lines, err := s.loadStockTakeLines(ctx, []string{take.ID})
	if err != nil {
		return nil, err
	}
	if found := lines[take.ID]; found != nil {
		take.Lines = found
	}
	return &take, nil
}

func (s *Store) ListStockTakes(ctx context.Context, location string, from time.Time, to time.Time) ([]domain.StockTake, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stockTakeColumns+`
		WHERE ($1 = '' OR location = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at ASC, id ASC
	`, location, from, to)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	takes := make([]domain.StockTake, 0, 8)
	ids := make([]string, 0, 8)
	for rows.Next() {
		take, err := scanStockTake(rows)
		if err != nil {
			return nil, err
		}
		takes = append(takes, take)
		ids = append(ids, take.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	lines, err := s.loadStockTakeLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range takes {
		if found := lines[takes[i].ID]; found != nil {
			takes[i].Lines = found
		}
	}
	return takes, nil
}

func (s *Store) loadStockTakeLines(ctx context.Context, takeIDs []string) (map[string][]domain.StockTakeLine, error) {
	result := make(map[string][]domain.StockTakeLine, len(takeIDs))
	if len(takeIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT stock_take_id, batch_id, batch_number, product_name, system_stock, physical_count, adjustment, notes
		FROM stock_take_lines
		WHERE stock_take_id = ANY($1)
		ORDER BY stock_take_id, line_no
	`, takeIDs)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			takeID string
			line   domain.StockTakeLine
		)
		if err := rows.Scan(&takeID, &line.BatchID, &line.BatchNumber, &line.ProductName, &line.SystemStock,
			&line.PhysicalCount, &line.Adjustment, &line.Notes); err != nil {
			return nil, err
		}
		result[takeID] = append(result[takeID], line)
	}
	return result, classify(rows.Err())
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, location, actor_username, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.Location, entry.ActorUsername, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return classify(err)
}

func (s *Store) ListAuditLogs(ctx context.Context, location string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, location, actor_username, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR location = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, location, from, to, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Location, &entry.ActorUsername, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, classify(rows.Err())
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	return classify(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, classify(rows.Err())
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// classify maps driver errors onto the store sentinels. 42501 is what row
// level security raises for a role that may not read or write a table.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.ConstraintName)
		case "23514", "22P02", "22007":
			return fmt.Errorf("%w: %s", store.ErrInvalidTransaction, pgErr.Message)
		case "42501":
			return fmt.Errorf("%w: %s", store.ErrPermissionDenied, pgErr.Message)
		}
	}
	return err
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

func dateUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return dateUTC(*val)
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}
