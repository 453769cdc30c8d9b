package meter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/meter-tracker/internal/auth"
	"github.com/zombor/meter-tracker/internal/scanning"
)

// IDGenerator generates unique IDs for entities and images
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// Recognizer reads meter digits from an uploaded photo
type Recognizer interface {
	Run(ctx context.Context, req scanning.Request) (*scanning.Result, error)
}

// TokenIssuer signs and verifies bearer tokens
type TokenIssuer interface {
	Issue(userID string) (string, error)
	Parse(token string) (string, error)
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current UTC time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Service handles accounts, meters and readings
type Service struct {
	db          DB
	recognizer  Recognizer
	storage     Storage
	tokens      TokenIssuer
	google      auth.Verifier
	apple       auth.Verifier
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with UUID ids and the system clock
func NewService(db DB, recognizer Recognizer, storage Storage, tokens TokenIssuer) *Service {
	return NewServiceWithDeps(db, recognizer, storage, tokens, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, recognizer Recognizer, storage Storage, tokens TokenIssuer, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		recognizer:  recognizer,
		storage:     storage,
		tokens:      tokens,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// SetIdentityVerifiers enables Google and Apple sign-in. Either may be nil.
func (s *Service) SetIdentityVerifiers(google, apple auth.Verifier) {
	s.google = google
	s.apple = apple
}

// parseID rejects ids that are not UUIDs before any lookup
func parseID(field, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errorf(ErrInvalidInput, "Invalid %s", field)
	}
	return nil
}

// ownedProperty returns the property if it belongs to the user
func (s *Service) ownedProperty(userID, propertyID string) (*Property, error) {
	if err := parseID("property_id", propertyID); err != nil {
		return nil, err
	}
	property, err := s.db.GetProperty(propertyID)
	if err != nil {
		return nil, err
	}
	if property.UserID != userID {
		return nil, errorf(ErrForbidden, "Property belongs to another user")
	}
	return property, nil
}

// ownedMeter returns the meter if its property belongs to the user
func (s *Service) ownedMeter(userID, meterID string) (*Meter, error) {
	if err := parseID("meter_id", meterID); err != nil {
		return nil, err
	}
	meter, err := s.db.GetMeter(meterID)
	if err != nil {
		return nil, err
	}
	property, err := s.db.GetProperty(meter.PropertyID)
	if err != nil {
		return nil, fmt.Errorf("getting property of meter %s: %w", meterID, err)
	}
	if property.UserID != userID {
		return nil, errorf(ErrForbidden, "Meter belongs to another user")
	}
	return meter, nil
}

// ListProperties returns the user's properties
func (s *Service) ListProperties(userID string) ([]*Property, error) {
	properties, err := s.db.ListProperties(userID)
	if err != nil {
		return nil, fmt.Errorf("listing properties: %w", err)
	}
	return properties, nil
}

// CreateProperty adds a property for the user
func (s *Service) CreateProperty(userID, name, address string) (*Property, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errorf(ErrInvalidInput, "name is required")
	}

	property := &Property{
		ID:        s.idGenerator.Generate(),
		UserID:    userID,
		Name:      name,
		Address:   strings.TrimSpace(address),
		CreatedAt: s.timeSource.Now(),
	}
	if err := s.db.SaveProperty(property); err != nil {
		return nil, fmt.Errorf("saving property: %w", err)
	}
	return property, nil
}

// DeleteProperty removes a property with its meters and their history
func (s *Service) DeleteProperty(userID, propertyID string) error {
	if _, err := s.ownedProperty(userID, propertyID); err != nil {
		return err
	}
	images, err := s.db.DeleteProperty(propertyID)
	if err != nil {
		return fmt.Errorf("deleting property: %w", err)
	}
	s.removeImages(images)
	return nil
}

// ListMeters returns the meters of all of the user's properties, oldest first
func (s *Service) ListMeters(userID string) ([]*Meter, error) {
	properties, err := s.db.ListProperties(userID)
	if err != nil {
		return nil, fmt.Errorf("listing properties: %w", err)
	}

	meters := make([]*Meter, 0)
	for _, p := range properties {
		found, err := s.db.ListMeters(p.ID)
		if err != nil {
			return nil, fmt.Errorf("listing meters: %w", err)
		}
		meters = append(meters, found...)
	}
	sort.SliceStable(meters, func(i, j int) bool {
		return meters[i].CreatedAt.Before(meters[j].CreatedAt)
	})
	return meters, nil
}

// MeterInput describes a meter to create. Zero DigitCount uses the utility default.
type MeterInput struct {
	PropertyID string `json:"property_id"`
	Utility    string `json:"utility_type"`
	Name       string `json:"name"`
	DigitCount int    `json:"digit_count"`
}

// CreateMeter adds a meter to one of the user's properties
func (s *Service) CreateMeter(userID string, in MeterInput) (*Meter, error) {
	property, err := s.ownedProperty(userID, in.PropertyID)
	if err != nil {
		return nil, err
	}
	utility, err := scanning.ParseUtility(in.Utility)
	if err != nil {
		return nil, errorf(ErrInvalidInput, "utility_type must be gas, water, or electricity")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errorf(ErrInvalidInput, "name is required")
	}
	digits := in.DigitCount
	if digits == 0 {
		digits = utility.DefaultDigits()
	}
	// Readings are stored as int64
	if digits < 1 || digits > 18 {
		return nil, errorf(ErrInvalidInput, "digit_count must be between 1 and 18")
	}

	meter := &Meter{
		ID:         s.idGenerator.Generate(),
		PropertyID: property.ID,
		Utility:    utility,
		Name:       name,
		DigitCount: digits,
		CreatedAt:  s.timeSource.Now(),
	}
	if err := s.db.SaveMeter(meter); err != nil {
		return nil, fmt.Errorf("saving meter: %w", err)
	}
	return meter, nil
}

// DeleteMeter removes a meter with its readings, tariffs and bills
func (s *Service) DeleteMeter(userID, meterID string) error {
	if _, err := s.ownedMeter(userID, meterID); err != nil {
		return err
	}
	images, err := s.db.DeleteMeter(meterID)
	if err != nil {
		return fmt.Errorf("deleting meter: %w", err)
	}
	s.removeImages(images)
	return nil
}

// removeImages deletes stored photos of removed readings
func (s *Service) removeImages(ids []string) {
	for _, id := range ids {
		if err := s.storage.Delete(id); err != nil {
			slog.Warn("Failed to delete image", "image_id", id, "error", err)
		}
	}
}
