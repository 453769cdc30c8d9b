package scanning

import (
	"errors"
	"fmt"
	"io"
)

const (
	// MaxUploadSize is the largest accepted image in bytes
	MaxUploadSize = 10 << 20
	MinWidth      = 100
	MinHeight     = 100
)

// ValidateUpload reads an uploaded image and checks its size, format and resolution.
// The returned bytes are the unmodified upload.
func ValidateUpload(r io.Reader) ([]byte, ImageInfo, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadSize+1))
	if err != nil {
		return nil, ImageInfo{}, invalidInput(fmt.Sprintf("Could not read upload: %v", err), err)
	}
	if len(data) > MaxUploadSize {
		return nil, ImageInfo{}, invalidInput(
			fmt.Sprintf("File size exceeds maximum %d bytes", MaxUploadSize), nil)
	}

	info, err := Inspect(data)
	if err != nil {
		if errors.Is(err, ErrUnsupportedFormat) {
			return nil, ImageInfo{}, invalidInput("Unsupported image format", err)
		}
		return nil, ImageInfo{}, invalidInput(fmt.Sprintf("Could not read image dimensions: %v", err), err)
	}

	if info.Width < MinWidth || info.Height < MinHeight {
		return nil, ImageInfo{}, invalidInput(
			fmt.Sprintf("Image resolution %dx%d is below minimum %dx%d", info.Width, info.Height, MinWidth, MinHeight), nil)
	}

	return data, info, nil
}

func invalidInput(msg string, err error) *Error {
	return &Error{Kind: KindInvalidInput, Message: msg, Err: err}
}
