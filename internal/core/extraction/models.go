package extraction

// ExtractedReceipt is the structured result of one vision extraction,
// validated against the response schema before anything downstream
// sees it.
type ExtractedReceipt struct {
	ShopName    string          `json:"shop_name"`
	ShopAddress *string         `json:"shop_address,omitempty"`
	BillDate    string          `json:"bill_date"`
	TotalAmount float64         `json:"total_amount"`
	Items       []ExtractedItem `json:"items"`
	Confidence  *float64        `json:"confidence,omitempty"`
}

// ExtractedItem is one line item as read off the receipt. TotalPrice
// is the provider's reading of the printed line total; persisted item
// totals are recomputed from quantity and unit price, never trusted
// from here.
type ExtractedItem struct {
	Description        string   `json:"description"`
	Quantity           float64  `json:"quantity"`
	UnitPrice          float64  `json:"unit_price"`
	TotalPrice         float64  `json:"total_price"`
	CategorySuggestion string   `json:"category_suggestion"`
	Confidence         *float64 `json:"confidence,omitempty"`
}
