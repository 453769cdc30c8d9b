package scanning

import "context"

// Scanner defines the interface for meter reading operations against a vision model
type Scanner interface {
	// ScanMeter sends a meter photo to the model and returns its raw text reply.
	// digits is the number of digit positions the model is asked to report.
	ScanMeter(ctx context.Context, imageData []byte, mediaType string, utility Utility, digits int) (string, error)
	// Close closes the scanner and releases resources
	Close() error
}
