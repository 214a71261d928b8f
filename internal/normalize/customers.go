package normalize

import (
	"time"

	"github.com/roach88/storesync/internal/source"
	"github.com/roach88/storesync/internal/store"
)

type customerPayload struct {
	Email       *string `json:"email"`
	Phone       *string `json:"phone"`
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	State       *string `json:"state"`
	OrdersCount *int64  `json:"orders_count"`
	TotalSpent  *string `json:"total_spent"`
	Currency    *string `json:"currency"`
	Tags        *string `json:"tags"`
}

// Customers normalizes customer records.
type Customers struct{}

// Normalize implements Normalizer.
func (Customers) Normalize(tenantID string, rec source.Record, fetchedAt time.Time) (store.IndexRow, store.DetailRow, error) {
	var p customerPayload
	if err := decode(rec, &p); err != nil {
		return store.IndexRow{}, store.DetailRow{}, err
	}

	a := attrs{}
	a.str("email", p.Email)
	a.str("phone", p.Phone)
	a.str("first_name", p.FirstName)
	a.str("last_name", p.LastName)
	a.str("state", p.State)
	a.num("orders_count", p.OrdersCount)
	a.str("total_spent", p.TotalSpent)
	a.str("currency", p.Currency)
	a.str("tags", p.Tags)

	index, detail := rows(tenantID, rec, a, fetchedAt)
	return index, detail, nil
}
