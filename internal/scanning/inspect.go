package scanning

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Format is an image container format detected from magic bytes
type Format string

const (
	FormatUnknown Format = ""
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}

var (
	// ErrUnsupportedFormat is returned when the bytes are neither JPEG nor PNG
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrMalformedImage is returned when a header cannot be walked to its dimensions
	ErrMalformedImage = errors.New("malformed image")
)

// MediaType returns the MIME type for the format
func (f Format) MediaType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// ImageInfo describes an image without its pixel data
type ImageInfo struct {
	Format Format
	Width  int
	Height int
}

// DetectFormat sniffs the container format from the leading bytes
func DetectFormat(data []byte) Format {
	if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8 {
		return FormatJPEG
	}
	if bytes.HasPrefix(data, pngSignature) {
		return FormatPNG
	}
	return FormatUnknown
}

// Inspect reads the format and pixel dimensions from the image header only
func Inspect(data []byte) (ImageInfo, error) {
	switch DetectFormat(data) {
	case FormatJPEG:
		w, h, err := jpegDimensions(data)
		if err != nil {
			return ImageInfo{}, err
		}
		return ImageInfo{Format: FormatJPEG, Width: w, Height: h}, nil
	case FormatPNG:
		w, h, err := pngDimensions(data)
		if err != nil {
			return ImageInfo{}, err
		}
		return ImageInfo{Format: FormatPNG, Width: w, Height: h}, nil
	default:
		return ImageInfo{}, ErrUnsupportedFormat
	}
}

// jpegDimensions walks marker segments after SOI until a start-of-frame marker.
// Segment layout: 0xFF, marker, u16 length (including itself), payload.
// SOF payload: precision (1), height (2), width (2).
func jpegDimensions(data []byte) (int, int, error) {
	offset := 2
	for offset < len(data) {
		if data[offset] != 0xFF {
			return 0, 0, fmt.Errorf("%w: invalid JPEG structure at offset %d", ErrMalformedImage, offset)
		}
		if offset+1 >= len(data) {
			return 0, 0, fmt.Errorf("%w: truncated JPEG marker at offset %d", ErrMalformedImage, offset)
		}

		switch data[offset+1] {
		case 0xC0, 0xC1, 0xC2:
			if offset+9 > len(data) {
				return 0, 0, fmt.Errorf("%w: truncated JPEG frame header", ErrMalformedImage)
			}
			height := binary.BigEndian.Uint16(data[offset+5 : offset+7])
			width := binary.BigEndian.Uint16(data[offset+7 : offset+9])
			return int(width), int(height), nil
		}

		if offset+4 > len(data) {
			return 0, 0, fmt.Errorf("%w: truncated JPEG segment length at offset %d", ErrMalformedImage, offset)
		}
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 2 + length
	}
	return 0, 0, fmt.Errorf("%w: could not determine JPEG dimensions", ErrMalformedImage)
}

// pngDimensions reads the IHDR chunk, which must directly follow the signature
func pngDimensions(data []byte) (int, int, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return 0, 0, fmt.Errorf("%w: invalid PNG structure", ErrMalformedImage)
	}
	if len(data) < 24 {
		return 0, 0, fmt.Errorf("%w: truncated PNG header", ErrMalformedImage)
	}
	width := binary.BigEndian.Uint32(data[16:20])
	height := binary.BigEndian.Uint32(data[20:24])
	return int(width), int(height), nil
}
