package normalize

import (
	"time"

	"github.com/roach88/storesync/internal/source"
	"github.com/roach88/storesync/internal/store"
)

type orderPayload struct {
	Name              *string    `json:"name"`
	OrderNumber       *int64     `json:"order_number"`
	Email             *string    `json:"email"`
	Phone             *string    `json:"phone"`
	FinancialStatus   *string    `json:"financial_status"`
	FulfillmentStatus *string    `json:"fulfillment_status"`
	Currency          *string    `json:"currency"`
	TotalPrice        *string    `json:"total_price"`
	Tags              *string    `json:"tags"`
	CancelledAt       *time.Time `json:"cancelled_at"`
	Customer          *struct {
		ID        *int64  `json:"id"`
		FirstName *string `json:"first_name"`
		LastName  *string `json:"last_name"`
		Email     *string `json:"email"`
		Phone     *string `json:"phone"`
	} `json:"customer"`
}

// Orders normalizes order records.
type Orders struct{}

// Normalize implements Normalizer.
func (Orders) Normalize(tenantID string, rec source.Record, fetchedAt time.Time) (store.IndexRow, store.DetailRow, error) {
	var p orderPayload
	if err := decode(rec, &p); err != nil {
		return store.IndexRow{}, store.DetailRow{}, err
	}

	a := attrs{}
	a.str("name", p.Name)
	a.num("order_number", p.OrderNumber)
	a.str("email", p.Email)
	a.str("phone", p.Phone)
	a.str("financial_status", p.FinancialStatus)
	a.str("fulfillment_status", p.FulfillmentStatus)
	a.str("currency", p.Currency)
	a.str("total_price", p.TotalPrice)
	a.str("tags", p.Tags)
	a.ts("cancelled_at", p.CancelledAt)

	if c := p.Customer; c != nil {
		a.num("customer_id", c.ID)
		a.str("customer_name", fullName(c.FirstName, c.LastName))
		// Guest checkouts carry contact details on the customer only.
		if _, ok := a["email"]; !ok {
			a.str("email", c.Email)
		}
		if _, ok := a["phone"]; !ok {
			a.str("phone", c.Phone)
		}
	}

	index, detail := rows(tenantID, rec, a, fetchedAt)
	return index, detail, nil
}
