// Package meter tracks properties, utility meters, their readings, tariffs
// and bills for authenticated users, and exposes them over HTTP together with
// the photo recognition endpoints.
package meter

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/meter-tracker/internal/billing"
	"github.com/zombor/meter-tracker/internal/scanning"
)

// DateLayout is the calendar date format used for tariffs and bill periods
const DateLayout = "2006-01-02"

// DefaultCurrency is used for tariffs and bills that do not name one
const DefaultCurrency = "EUR"

// User is an account holder. PasswordHash is empty for accounts created
// through Google or Apple sign-in.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"password_hash,omitempty"`
	GoogleID     string    `json:"google_id,omitempty"`
	AppleID      string    `json:"apple_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Profile is the public view of a user
type Profile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Profile returns the fields of the user that are safe to expose
func (u *User) Profile() Profile {
	return Profile{ID: u.ID, Email: u.Email, Name: u.Name}
}

// Property groups meters at one address
type Property struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Meter is a single utility meter
type Meter struct {
	ID         string           `json:"id"`
	PropertyID string           `json:"property_id"`
	Utility    scanning.Utility `json:"utility_type"`
	Name       string           `json:"name"`
	DigitCount int              `json:"digit_count"`
	CreatedAt  time.Time        `json:"created_at"`
}

// MaxValue is the largest reading the meter can display
func (m *Meter) MaxValue() int64 {
	max := int64(1)
	for i := 0; i < m.DigitCount; i++ {
		max *= 10
	}
	return max - 1
}

// Reading is an immutable meter value. ImageID references the photo it was
// recognized from, if any.
type Reading struct {
	ID         string    `json:"id"`
	MeterID    string    `json:"meter_id"`
	Value      int64     `json:"value"`
	ImageID    string    `json:"image_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Tariff is the price per unit of a meter from a given date
type Tariff struct {
	ID            string          `json:"id"`
	MeterID       string          `json:"meter_id"`
	PricePerUnit  decimal.Decimal `json:"price_per_unit"`
	Currency      string          `json:"currency"`
	EffectiveFrom string          `json:"effective_from"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MarshalJSON renders the price with four fractional digits
func (t Tariff) MarshalJSON() ([]byte, error) {
	type alias Tariff
	return json.Marshal(struct {
		alias
		PricePerUnit string `json:"price_per_unit"`
	}{
		alias:        alias(t),
		PricePerUnit: t.PricePerUnit.StringFixed(billing.RatePlaces),
	})
}

// Bill is the cost of consumption between two readings of one meter. The
// tariff and currency are copied at creation time.
type Bill struct {
	ID            string          `json:"id"`
	MeterID       string          `json:"meter_id"`
	ReadingFromID string          `json:"reading_from_id"`
	ReadingToID   string          `json:"reading_to_id"`
	TariffID      string          `json:"tariff_id,omitempty"`
	TariffUsed    decimal.Decimal `json:"tariff_used"`
	Currency      string          `json:"currency"`
	ConsumedUnits decimal.Decimal `json:"consumed_units"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	PeriodStart   string          `json:"period_start"`
	PeriodEnd     string          `json:"period_end"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MarshalJSON renders the tariff with four and the amounts with two fractional digits
func (b Bill) MarshalJSON() ([]byte, error) {
	type alias Bill
	return json.Marshal(struct {
		alias
		TariffUsed    string `json:"tariff_used"`
		ConsumedUnits string `json:"consumed_units"`
		TotalCost     string `json:"total_cost"`
	}{
		alias:         alias(b),
		TariffUsed:    b.TariffUsed.StringFixed(billing.RatePlaces),
		ConsumedUnits: b.ConsumedUnits.StringFixed(billing.CostPlaces),
		TotalCost:     b.TotalCost.StringFixed(billing.CostPlaces),
	})
}
