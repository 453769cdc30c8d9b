package scanning

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultTimeout is the wall-clock budget for one recognition request
const DefaultTimeout = 10 * time.Second

// Request is one image submitted for recognition
type Request struct {
	Image   io.Reader
	Utility Utility
	// Digits is the expected number of digits; zero uses the utility default
	Digits int
	// Started is when the inbound request began; zero means now
	Started time.Time
}

// Result is a successful recognition
type Result struct {
	Digits string
	Image  []byte
	Info   ImageInfo
}

// Pipeline validates an upload, asks the scanner for a reading under a deadline
// and parses the reply into a fixed-width digit string.
type Pipeline struct {
	scanner Scanner
	timeout time.Duration
	now     func() time.Time
}

// NewPipeline creates a Pipeline with the default 10 second budget
func NewPipeline(scanner Scanner) *Pipeline {
	return NewPipelineWithTimeout(scanner, DefaultTimeout)
}

// NewPipelineWithTimeout creates a Pipeline with a custom budget
func NewPipelineWithTimeout(scanner Scanner, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pipeline{
		scanner: scanner,
		timeout: timeout,
		now:     time.Now,
	}
}

type scanResult struct {
	text string
	err  error
}

// Run executes the recognition flow. Failures are returned as *Error.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	started := req.Started
	if started.IsZero() {
		started = p.now()
	}
	digits := req.Digits
	if digits <= 0 {
		digits = req.Utility.DefaultDigits()
	}

	data, info, err := ValidateUpload(req.Image)
	if err != nil {
		return nil, err
	}

	remaining := p.timeout - p.now().Sub(started)
	text, err := p.scan(ctx, remaining, data, info.Format.MediaType(), req.Utility, digits)
	if err != nil {
		return nil, err
	}

	parsed := ParseDigits(text, digits)
	if len(parsed) < digits {
		return nil, &Error{
			Kind:    KindInsufficientDigits,
			Message: fmt.Sprintf("Expected at least %d digits, got %d", digits, len(parsed)),
			Partial: parsed,
		}
	}

	return &Result{
		Digits: parsed[:digits],
		Image:  data,
		Info:   info,
	}, nil
}

// scan runs the scanner on its own goroutine and races it against the remaining budget
func (p *Pipeline) scan(ctx context.Context, remaining time.Duration, data []byte, mediaType string, utility Utility, digits int) (string, error) {
	if remaining <= 0 {
		return "", p.timeoutError()
	}

	ctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	slog.Info("Sending image to scanner",
		"file_size", len(data),
		"media_type", mediaType,
		"utility", string(utility),
		"digits", digits,
	)

	// Buffered so an abandoned scanner call can still deliver and exit
	done := make(chan scanResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- scanResult{err: fmt.Errorf("scanner panicked: %v", r)}
			}
		}()
		text, err := p.scanner.ScanMeter(ctx, data, mediaType, utility, digits)
		done <- scanResult{text: text, err: err}
	}()

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return "", p.timeoutError()
			}
			slog.Error("Scanner call failed", "utility", string(utility), "error", res.err)
			return "", &Error{Kind: KindUpstream, Message: res.err.Error(), Err: res.err}
		}
		slog.Debug("Scanner raw response", "utility", string(utility), "text", res.text)
		return res.text, nil
	case <-timer.C:
		return "", p.timeoutError()
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return "", p.timeoutError()
		}
		return "", &Error{Kind: KindUpstream, Message: "recognition cancelled", Err: ctx.Err()}
	}
}

func (p *Pipeline) timeoutError() *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("Processing exceeded %s", p.timeout),
		Err:     context.DeadlineExceeded,
	}
}
