package meter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/meter-tracker/internal/billing"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

func parseCurrency(s string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(s))
	if c == "" {
		return DefaultCurrency, nil
	}
	if !currencyPattern.MatchString(c) {
		return "", errorf(ErrInvalidInput, "currency must be a 3 letter code")
	}
	return c, nil
}

func parseDate(field, s string) (string, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return "", errorf(ErrInvalidInput, "%s must be a date in YYYY-MM-DD format", field)
	}
	return d.Format(DateLayout), nil
}

func parseRate(s string) (decimal.Decimal, error) {
	rate, err := billing.ParseRate(strings.TrimSpace(s))
	if err != nil {
		if errors.Is(err, billing.ErrInvalidRate) {
			return decimal.Zero, errorf(ErrInvalidInput, "price per unit must be positive")
		}
		return decimal.Zero, errorf(ErrInvalidInput, "price per unit must be a decimal number")
	}
	return rate, nil
}

// ownedTariff returns the tariff if its meter belongs to the user
func (s *Service) ownedTariff(userID, tariffID string) (*Tariff, error) {
	if err := parseID("tariff_id", tariffID); err != nil {
		return nil, err
	}
	tariff, err := s.db.GetTariff(tariffID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedMeter(userID, tariff.MeterID); err != nil {
		return nil, err
	}
	return tariff, nil
}

// TariffInput describes a tariff to create
type TariffInput struct {
	MeterID       string `json:"meter_id"`
	PricePerUnit  string `json:"price_per_unit"`
	Currency      string `json:"currency"`
	EffectiveFrom string `json:"effective_from"`
}

// TariffUpdate holds the tariff fields that may change; nil leaves a field as is
type TariffUpdate struct {
	PricePerUnit  *string `json:"price_per_unit"`
	EffectiveFrom *string `json:"effective_from"`
}

// ListTariffs returns the meter's tariffs, latest effective date first
func (s *Service) ListTariffs(userID, meterID string) ([]*Tariff, error) {
	meter, err := s.ownedMeter(userID, meterID)
	if err != nil {
		return nil, err
	}
	tariffs, err := s.db.ListTariffs(meter.ID)
	if err != nil {
		return nil, fmt.Errorf("listing tariffs: %w", err)
	}
	return tariffs, nil
}

// CreateTariff adds a price for one of the user's meters
func (s *Service) CreateTariff(userID string, in TariffInput) (*Tariff, error) {
	meter, err := s.ownedMeter(userID, in.MeterID)
	if err != nil {
		return nil, err
	}
	rate, err := parseRate(in.PricePerUnit)
	if err != nil {
		return nil, err
	}
	currency, err := parseCurrency(in.Currency)
	if err != nil {
		return nil, err
	}
	effective, err := parseDate("effective_from", in.EffectiveFrom)
	if err != nil {
		return nil, err
	}

	tariff := &Tariff{
		ID:            s.idGenerator.Generate(),
		MeterID:       meter.ID,
		PricePerUnit:  rate,
		Currency:      currency,
		EffectiveFrom: effective,
		CreatedAt:     s.timeSource.Now(),
	}
	if err := s.db.SaveTariff(tariff); err != nil {
		return nil, fmt.Errorf("saving tariff: %w", err)
	}
	return tariff, nil
}

// UpdateTariff changes the price or effective date of a tariff
func (s *Service) UpdateTariff(userID, tariffID string, in TariffUpdate) (*Tariff, error) {
	tariff, err := s.ownedTariff(userID, tariffID)
	if err != nil {
		return nil, err
	}
	if in.PricePerUnit != nil {
		rate, err := parseRate(*in.PricePerUnit)
		if err != nil {
			return nil, err
		}
		tariff.PricePerUnit = rate
	}
	if in.EffectiveFrom != nil {
		effective, err := parseDate("effective_from", *in.EffectiveFrom)
		if err != nil {
			return nil, err
		}
		tariff.EffectiveFrom = effective
	}
	if err := s.db.SaveTariff(tariff); err != nil {
		return nil, fmt.Errorf("saving tariff: %w", err)
	}
	return tariff, nil
}

// DeleteTariff removes a tariff
func (s *Service) DeleteTariff(userID, tariffID string) error {
	if _, err := s.ownedTariff(userID, tariffID); err != nil {
		return err
	}
	if err := s.db.DeleteTariff(tariffID); err != nil {
		return fmt.Errorf("deleting tariff: %w", err)
	}
	return nil
}

// BillInput describes a bill to create. Either TariffID or TariffPerUnit
// must be set.
type BillInput struct {
	MeterID       string `json:"meter_id"`
	ReadingFromID string `json:"reading_from_id"`
	ReadingToID   string `json:"reading_to_id"`
	TariffID      string `json:"tariff_id"`
	TariffPerUnit string `json:"tariff_per_unit"`
	Currency      string `json:"currency"`
}

// meterReading loads a reading and checks it was taken on the meter
func (s *Service) meterReading(meterID, field, readingID string) (*Reading, error) {
	if err := parseID(field, readingID); err != nil {
		return nil, err
	}
	reading, err := s.db.GetReading(readingID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errorf(ErrNotFound, "%s not found", field)
		}
		return nil, err
	}
	if reading.MeterID != meterID {
		return nil, errorf(ErrNotFound, "%s not found", field)
	}
	return reading, nil
}

// CreateBill computes and stores the cost between two readings of a meter
func (s *Service) CreateBill(userID string, in BillInput) (*Bill, error) {
	meter, err := s.ownedMeter(userID, in.MeterID)
	if err != nil {
		return nil, err
	}
	from, err := s.meterReading(meter.ID, "reading_from_id", in.ReadingFromID)
	if err != nil {
		return nil, err
	}
	to, err := s.meterReading(meter.ID, "reading_to_id", in.ReadingToID)
	if err != nil {
		return nil, err
	}

	var (
		rate     decimal.Decimal
		currency string
		tariffID string
	)
	switch {
	case in.TariffID != "":
		tariff, err := s.ownedTariff(userID, in.TariffID)
		if err != nil {
			return nil, err
		}
		if tariff.MeterID != meter.ID {
			return nil, errorf(ErrInvalidInput, "tariff belongs to a different meter")
		}
		rate, currency, tariffID = tariff.PricePerUnit, tariff.Currency, tariff.ID
	case in.TariffPerUnit != "":
		if rate, err = parseRate(in.TariffPerUnit); err != nil {
			return nil, err
		}
		if currency, err = parseCurrency(in.Currency); err != nil {
			return nil, err
		}
	default:
		return nil, errorf(ErrInvalidInput, "tariff_id or tariff_per_unit is required")
	}

	computed, err := billing.Compute(from.Value, to.Value, rate)
	if err != nil {
		if errors.Is(err, billing.ErrNegativeConsumption) {
			return nil, errorf(ErrInvalidInput, "To-reading must be greater than from-reading")
		}
		return nil, err
	}

	bill := &Bill{
		ID:            s.idGenerator.Generate(),
		MeterID:       meter.ID,
		ReadingFromID: from.ID,
		ReadingToID:   to.ID,
		TariffID:      tariffID,
		TariffUsed:    computed.Rate,
		Currency:      currency,
		ConsumedUnits: computed.Consumed,
		TotalCost:     computed.Total,
		PeriodStart:   from.RecordedAt.UTC().Format(DateLayout),
		PeriodEnd:     to.RecordedAt.UTC().Format(DateLayout),
		CreatedAt:     s.timeSource.Now(),
	}
	if err := s.db.SaveBill(bill); err != nil {
		return nil, fmt.Errorf("saving bill: %w", err)
	}
	return bill, nil
}

// ListBills returns a page of the meter's bills, latest period first
func (s *Service) ListBills(userID, meterID string, limit, offset int) ([]*Bill, error) {
	meter, err := s.ownedMeter(userID, meterID)
	if err != nil {
		return nil, err
	}
	bills, err := s.db.ListBills(meter.ID)
	if err != nil {
		return nil, fmt.Errorf("listing bills: %w", err)
	}
	return page(bills, limit, offset)
}

// DeleteBill removes a bill
func (s *Service) DeleteBill(userID, billID string) error {
	if err := parseID("bill_id", billID); err != nil {
		return err
	}
	bill, err := s.db.GetBill(billID)
	if err != nil {
		return err
	}
	if _, err := s.ownedMeter(userID, bill.MeterID); err != nil {
		return err
	}
	if err := s.db.DeleteBill(billID); err != nil {
		return fmt.Errorf("deleting bill: %w", err)
	}
	return nil
}
