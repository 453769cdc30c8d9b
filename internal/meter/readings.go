package meter

import (
	"fmt"
	"path/filepath"
)

const (
	// DefaultPageSize is used when a list request has no limit
	DefaultPageSize = 50
	// MaxPageSize caps the limit of list requests
	MaxPageSize = 500
)

// page applies limit and offset to a list that is already sorted
func page[T any](items []T, limit, offset int) ([]T, error) {
	if limit < 0 || offset < 0 {
		return nil, errorf(ErrInvalidInput, "limit and offset must not be negative")
	}
	if limit == 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset >= len(items) {
		return []T{}, nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end], nil
}

// ownedReading returns the reading if its meter belongs to the user
func (s *Service) ownedReading(userID, readingID string) (*Reading, error) {
	if err := parseID("reading_id", readingID); err != nil {
		return nil, err
	}
	reading, err := s.db.GetReading(readingID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedMeter(userID, reading.MeterID); err != nil {
		return nil, err
	}
	return reading, nil
}

// CreateReading records a manually entered value
func (s *Service) CreateReading(userID, meterID string, value int64) (*Reading, error) {
	meter, err := s.ownedMeter(userID, meterID)
	if err != nil {
		return nil, err
	}
	if value < 0 || value > meter.MaxValue() {
		return nil, errorf(ErrInvalidInput, "Value must be between 0 and %d", meter.MaxValue())
	}

	now := s.timeSource.Now()
	reading := &Reading{
		ID:         s.idGenerator.Generate(),
		MeterID:    meter.ID,
		Value:      value,
		RecordedAt: now,
		CreatedAt:  now,
	}
	if err := s.db.SaveReading(reading); err != nil {
		return nil, fmt.Errorf("saving reading: %w", err)
	}
	return reading, nil
}

// ListReadings returns a page of the meter's readings, newest first
func (s *Service) ListReadings(userID, meterID string, limit, offset int) ([]*Reading, error) {
	meter, err := s.ownedMeter(userID, meterID)
	if err != nil {
		return nil, err
	}
	readings, err := s.db.ListReadings(meter.ID)
	if err != nil {
		return nil, fmt.Errorf("listing readings: %w", err)
	}
	return page(readings, limit, offset)
}

// GetReading returns one of the user's readings
func (s *Service) GetReading(userID, readingID string) (*Reading, error) {
	return s.ownedReading(userID, readingID)
}

// GetReadingImage returns the photo a reading was recognized from and its media type
func (s *Service) GetReadingImage(userID, readingID string) ([]byte, string, error) {
	reading, err := s.ownedReading(userID, readingID)
	if err != nil {
		return nil, "", err
	}
	if reading.ImageID == "" {
		return nil, "", errorf(ErrNotFound, "Reading has no image")
	}

	data, err := s.storage.Get(reading.ImageID)
	if err != nil {
		return nil, "", fmt.Errorf("getting reading image: %w", err)
	}
	return data, mediaTypeForImage(reading.ImageID), nil
}

// DeleteReading removes a reading and its photo. Readings used by a bill
// cannot be deleted.
func (s *Service) DeleteReading(userID, readingID string) error {
	reading, err := s.ownedReading(userID, readingID)
	if err != nil {
		return err
	}
	if err := s.db.DeleteReading(reading.ID); err != nil {
		return fmt.Errorf("deleting reading: %w", err)
	}
	if reading.ImageID != "" {
		s.removeImages([]string{reading.ImageID})
	}
	return nil
}

// imageName names a stored photo after its owner id and format
func imageName(id string, mediaType string) string {
	switch mediaType {
	case "image/png":
		return id + ".png"
	default:
		return id + ".jpg"
	}
}

func mediaTypeForImage(id string) string {
	switch filepath.Ext(id) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
