package bills

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// VerificationSource records who verified a bill item.
type VerificationSource string

const (
	SourceAuto  VerificationSource = "auto"
	SourceUser  VerificationSource = "user"
	SourceAdmin VerificationSource = "admin"
)

// Bill represents one uploaded receipt and its lifecycle state
type Bill struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	UserID       uuid.UUID  `json:"user_id" db:"user_id"`
	BillDate     *time.Time `json:"bill_date" db:"bill_date"`
	TotalAmount  *float64   `json:"total_amount" db:"total_amount"`
	Status       Status     `json:"status" db:"status"`
	ErrorMessage *string    `json:"error_message" db:"error_message"`
	ShopID       *uuid.UUID `json:"shop_id" db:"shop_id"`
	ImageRef     string     `json:"image_ref" db:"image_ref"`
	ImageHash    *string    `json:"image_hash" db:"image_hash"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// BillItem represents an individual extracted line of a bill
type BillItem struct {
	ID                 uuid.UUID          `json:"id" db:"id"`
	BillID             uuid.UUID          `json:"bill_id" db:"bill_id"`
	ItemOrder          int                `json:"item_order" db:"item_order"`
	RawText            string             `json:"raw_text" db:"raw_text"`
	Quantity           float64            `json:"quantity" db:"quantity"`
	UnitPrice          float64            `json:"unit_price" db:"unit_price"`
	TotalPrice         float64            `json:"total_price" db:"total_price"`
	Confidence         *float64           `json:"confidence" db:"confidence"`
	IsVerified         bool               `json:"is_verified" db:"is_verified"`
	VerificationSource VerificationSource `json:"verification_source" db:"verification_source"`
	ProductID          *uuid.UUID         `json:"product_id" db:"product_id"`
	CategoryID         *uuid.UUID         `json:"category_id" db:"category_id"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

// CreateBillRequest represents the data needed to register a new bill
type CreateBillRequest struct {
	UserID    uuid.UUID
	ImageRef  string
	ImageHash *string
}

// NewItem is one resolved line ready to be persisted for a bill.
type NewItem struct {
	ItemOrder  int
	RawText    string
	Quantity   float64
	UnitPrice  float64
	Confidence *float64
	ProductID  *uuid.UUID
	CategoryID *uuid.UUID
}

// TotalPrice derives the line total from quantity and unit price,
// rounded to cents. Persisted items always satisfy this equation.
func (i NewItem) TotalPrice() float64 {
	return RoundMoney(i.Quantity * i.UnitPrice)
}

// FinalizeRequest carries everything committed at the end of one
// successful pipeline run: the terminal status, the extracted bill
// header fields and the full replacement item set.
type FinalizeRequest struct {
	BillID      uuid.UUID
	Status      Status
	ShopID      *uuid.UUID
	BillDate    *time.Time
	TotalAmount *float64
	Items       []NewItem
}

// ItemCorrection carries a user/admin correction applied during verification.
type ItemCorrection struct {
	Quantity  *float64
	UnitPrice *float64
	ProductID *uuid.UUID
	Source    VerificationSource
}

// BillWithItems represents a bill with all its items
type BillWithItems struct {
	Bill  Bill       `json:"bill"`
	Items []BillItem `json:"items"`
}

// RoundMoney rounds a monetary amount to two decimal places.
func RoundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}
