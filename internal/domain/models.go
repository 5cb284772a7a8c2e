package domain

import "time"

type Product struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Active   bool   `json:"active"`
}

type Chef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type Customer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// ProductionBatch never stores its stock level; see ledger.Compute.
type ProductionBatch struct {
	ID                    string    `json:"id"`
	BatchNumber           string    `json:"batch_number"`
	Location              string    `json:"location"`
	ProductID             string    `json:"product_id"`
	ProductName           string    `json:"product_name"`
	ChefID                string    `json:"chef_id"`
	ChefName              string    `json:"chef_name,omitempty"`
	PackagesProduced      int       `json:"packages_produced"`
	ManualStockAdjustment int       `json:"manual_stock_adjustment"`
	ProductionDate        time.Time `json:"production_date"`
	ExpiryDate            time.Time `json:"expiry_date"`
	CreatedAt             time.Time `json:"created_at"`
}

type BatchCreateRequest struct {
	BatchNumber      string `json:"batch_number" validate:"required,max=64"`
	Location         string `json:"location" validate:"required,oneof=tothai khin"`
	ProductID        string `json:"product_id" validate:"required"`
	ChefID           string `json:"chef_id" validate:"required"`
	PackagesProduced int    `json:"packages_produced" validate:"gte=0"`
	ProductionDate   string `json:"production_date" validate:"required,datetime=2006-01-02"`
	ExpiryDate       string `json:"expiry_date" validate:"required,datetime=2006-01-02"`
}

type BatchListResponse struct {
	Batches []ProductionBatch `json:"batches"`
}

// LedgerEntry is one confirmed dispatch line that consumes batch stock.
type LedgerEntry struct {
	BatchID  string `json:"batch_id"`
	Quantity int    `json:"quantity"`
}

type BatchStock struct {
	ProductionBatch
	PackagesDispatched int  `json:"packages_dispatched"`
	PackagesInStock    int  `json:"packages_in_stock"`
	Clamped            bool `json:"clamped"`
}

type StockResponse struct {
	Location       string       `json:"location"`
	Filter         string       `json:"filter"`
	Degraded       bool         `json:"degraded"`
	DegradedReason string       `json:"degraded_reason,omitempty"`
	Batches        []BatchStock `json:"batches"`
	GeneratedAt    string       `json:"generated_at"`
}

type DispatchRecord struct {
	ID            string         `json:"id"`
	DispatchType  string         `json:"dispatch_type"`
	Status        string         `json:"status"`
	Location      string         `json:"location"`
	CustomerID    string         `json:"customer_id,omitempty"`
	PickerName    string         `json:"picker_name"`
	Notes         string         `json:"notes,omitempty"`
	TotalItems    int            `json:"total_items"`
	TotalPackages int            `json:"total_packages"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ConfirmedAt   *time.Time     `json:"confirmed_at,omitempty"`
	CancelledAt   *time.Time     `json:"cancelled_at,omitempty"`
	Items         []DispatchItem `json:"items"`
}

// DispatchItem keeps a snapshot of the batch identity taken at dispatch time.
type DispatchItem struct {
	ID             string     `json:"id"`
	DispatchID     string     `json:"dispatch_id"`
	ItemID         string     `json:"item_id"`
	ItemType       string     `json:"item_type"`
	ItemName       string     `json:"item_name"`
	Quantity       int        `json:"quantity"`
	BatchNumber    string     `json:"batch_number,omitempty"`
	ProductionDate *time.Time `json:"production_date,omitempty"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty"`
}

type DispatchItemRequest struct {
	ItemID   string `json:"item_id" validate:"required"`
	ItemType string `json:"item_type" validate:"required,oneof=batch external"`
	ItemName string `json:"item_name"`
	Quantity int    `json:"quantity"`
}

type DispatchCreateRequest struct {
	DispatchType string                `json:"dispatch_type" validate:"required,oneof=external internal"`
	Location     string                `json:"location" validate:"required,oneof=tothai khin"`
	CustomerID   string                `json:"customer_id"`
	PickerName   string                `json:"picker_name" validate:"max=120"`
	PickedUpBy   string                `json:"picked_up_by" validate:"max=120"`
	PickupDate   string                `json:"pickup_date" validate:"omitempty,datetime=2006-01-02"`
	Notes        string                `json:"notes" validate:"max=2000"`
	Items        []DispatchItemRequest `json:"items" validate:"dive"`
}

type DispatchResponse struct {
	Dispatch         DispatchRecord `json:"dispatch"`
	PackingSlip      *PackingSlip   `json:"packing_slip,omitempty"`
	SupersededDrafts []string       `json:"superseded_drafts,omitempty"`
}

type DispatchListResponse struct {
	Dispatches []DispatchRecord `json:"dispatches"`
}

// PackingSlip carries an empty SlipNumber until its dispatch is confirmed.
type PackingSlip struct {
	ID            string     `json:"id"`
	DispatchID    string     `json:"dispatch_id"`
	SlipNumber    string     `json:"slip_number,omitempty"`
	Location      string     `json:"location"`
	Destination   string     `json:"destination"`
	PreparedBy    string     `json:"prepared_by"`
	PickedUpBy    string     `json:"picked_up_by,omitempty"`
	BatchIDs      []string   `json:"batch_ids"`
	TotalItems    int        `json:"total_items"`
	TotalPackages int        `json:"total_packages"`
	PickupDate    time.Time  `json:"pickup_date"`
	CreatedAt     time.Time  `json:"created_at"`
	FinalizedAt   *time.Time `json:"finalized_at,omitempty"`
}

type PackingSlipListResponse struct {
	Slips []PackingSlip `json:"slips"`
}

type SlipRepairFailure struct {
	DispatchID string `json:"dispatch_id"`
	Error      string `json:"error"`
}

type SlipRepairReport struct {
	Checked   int                 `json:"checked"`
	Finalized []string            `json:"finalized"`
	Failed    []SlipRepairFailure `json:"failed,omitempty"`
}

// StockAdjustmentRow is read from a returned worksheet and never persisted as is.
type StockAdjustmentRow struct {
	RowNumber     int    `json:"row_number"`
	BatchNumber   string `json:"batch_number"`
	ProductName   string `json:"product_name"`
	SystemStock   int    `json:"system_stock"`
	PhysicalCount int    `json:"physical_count"`
	Adjustment    int    `json:"adjustment"`
	Notes         string `json:"notes,omitempty"`
}

type WorksheetPreview struct {
	Location       string               `json:"location,omitempty"`
	StocktakerName string               `json:"stocktaker_name,omitempty"`
	StocktakerDate string               `json:"stocktaker_date,omitempty"`
	Rows           []StockAdjustmentRow `json:"rows"`
	SkippedRows    []int                `json:"skipped_rows,omitempty"`
	NetAdjustment  int                  `json:"net_adjustment"`
}

type StockTakeLine struct {
	BatchID       string `json:"batch_id"`
	BatchNumber   string `json:"batch_number"`
	ProductName   string `json:"product_name"`
	SystemStock   int    `json:"system_stock"`
	PhysicalCount int    `json:"physical_count"`
	Adjustment    int    `json:"adjustment"`
	Notes         string `json:"notes,omitempty"`
}

type StockTake struct {
	ID             string          `json:"id"`
	Location       string          `json:"location"`
	StocktakerName string          `json:"stocktaker_name"`
	StocktakerDate string          `json:"stocktaker_date"`
	Fingerprint    string          `json:"fingerprint"`
	AppliedBy      string          `json:"applied_by"`
	NetAdjustment  int             `json:"net_adjustment"`
	CreatedAt      time.Time       `json:"created_at"`
	Lines          []StockTakeLine `json:"lines"`
}

type ReconciliationResult struct {
	StockTake StockTake `json:"stock_take"`
	Unmatched []string  `json:"unmatched,omitempty"`
	// Repeated lists rows naming a batch an earlier row already counted.
	Repeated  []int     `json:"repeated_rows,omitempty"`
	Unchanged int       `json:"unchanged"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	Location      string    `json:"location"`
	ActorUsername string    `json:"actor_username"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	LocationTothai = "tothai"
	LocationKhin   = "khin"
)

const (
	DispatchTypeExternal = "external"
	DispatchTypeInternal = "internal"
)

const (
	DispatchStatusDraft     = "draft"
	DispatchStatusConfirmed = "confirmed"
	DispatchStatusCancelled = "cancelled"
)

const (
	ItemTypeBatch    = "batch"
	ItemTypeExternal = "external"
)

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

const DateLayout = "2006-01-02"

func IsValidLocation(location string) bool {
	return location == LocationTothai || location == LocationKhin
}
