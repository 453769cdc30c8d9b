package meter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/meter-tracker/internal/scanning"
)

// Recognition flows, used as a metrics label
const (
	FlowMeter  = "meter"
	FlowGuest  = "guest"
	FlowLegacy = "legacy"
)

// LegacyDigits is the fixed width of the legacy gas endpoint
const LegacyDigits = 5

// Recognition is a successful photo reading
type Recognition struct {
	Result    string `json:"result"`
	ReadingID string `json:"reading_id,omitempty"`
	ImageID   string `json:"image_id,omitempty"`
}

func (s *Service) recognize(ctx context.Context, flow string, req scanning.Request) (*scanning.Result, error) {
	start := s.timeSource.Now()
	result, err := s.recognizer.Run(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = scanning.KindOf(err).String()
	}
	observeRecognition(flow, outcome, s.timeSource.Now().Sub(start))

	if err != nil {
		slog.Info("Recognition failed", "flow", flow, "utility", string(req.Utility), "outcome", outcome, "error", err)
		return nil, err
	}
	slog.Info("Recognition succeeded",
		"flow", flow,
		"utility", string(req.Utility),
		"file_size", len(result.Image),
		"media_type", result.Info.Format.MediaType(),
	)
	return result, nil
}

// RecognizeForMeter reads one of the user's meters from a photo and stores
// the result as a new reading with the photo attached
func (s *Service) RecognizeForMeter(ctx context.Context, userID, meterID string, image io.Reader, started time.Time) (*Recognition, error) {
	meter, err := s.ownedMeter(userID, meterID)
	if err != nil {
		return nil, err
	}

	result, err := s.recognize(ctx, FlowMeter, scanning.Request{
		Image:   image,
		Utility: meter.Utility,
		Digits:  meter.DigitCount,
		Started: started,
	})
	if err != nil {
		return nil, err
	}

	value, err := strconv.ParseInt(result.Digits, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("converting %q to a reading: %w", result.Digits, err)
	}

	readingID := s.idGenerator.Generate()
	imageID, err := s.storage.Save(imageName(readingID, result.Info.Format.MediaType()), result.Image)
	if err != nil {
		return nil, fmt.Errorf("saving reading image: %w", err)
	}

	now := s.timeSource.Now()
	reading := &Reading{
		ID:         readingID,
		MeterID:    meter.ID,
		Value:      value,
		ImageID:    imageID,
		RecordedAt: now,
		CreatedAt:  now,
	}
	if err := s.db.SaveReading(reading); err != nil {
		s.removeImages([]string{imageID})
		return nil, fmt.Errorf("saving reading: %w", err)
	}

	return &Recognition{Result: result.Digits, ReadingID: reading.ID}, nil
}

// RecognizeGuest reads a photo without an account. An empty utility means gas.
func (s *Service) RecognizeGuest(ctx context.Context, utility string, image io.Reader, started time.Time) (*Recognition, error) {
	u := scanning.Gas
	if strings.TrimSpace(utility) != "" {
		parsed, err := scanning.ParseUtility(utility)
		if err != nil {
			return nil, errorf(ErrInvalidInput, "%s", err.Error())
		}
		u = parsed
	}

	result, err := s.recognize(ctx, FlowGuest, scanning.Request{
		Image:   image,
		Utility: u,
		Started: started,
	})
	if err != nil {
		return nil, err
	}
	return &Recognition{Result: result.Digits}, nil
}

// RecognizeLegacy reads a five digit gas meter and keeps the photo
func (s *Service) RecognizeLegacy(ctx context.Context, image io.Reader, started time.Time) (*Recognition, error) {
	result, err := s.recognize(ctx, FlowLegacy, scanning.Request{
		Image:   image,
		Utility: scanning.Gas,
		Digits:  LegacyDigits,
		Started: started,
	})
	if err != nil {
		return nil, err
	}

	imageID, err := s.storage.Save(imageName(s.idGenerator.Generate(), result.Info.Format.MediaType()), result.Image)
	if err != nil {
		return nil, fmt.Errorf("saving image: %w", err)
	}
	return &Recognition{Result: result.Digits, ImageID: imageID}, nil
}
