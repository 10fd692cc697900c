package imageproc

import (
	iface "RecycleDetServer/interface"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/disintegration/imaging"
)

const DefaultMaxSize = 1024

var ErrEmptyImage = errors.New("image is empty")

// Fingerprint modes.
const (
	FingerprintContent = "content"
	// FingerprintShape keys on dimensions and format only, so different images of
	// equal size collide.
	FingerprintShape = "shape"
)

// Decode parses an encoded image, applying EXIF orientation.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("unsupported image: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// DecodeBase64 accepts plain base64 or a data URL.
func DecodeBase64(s string) ([]byte, error) {
	if i := strings.Index(s, ","); i != -1 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyImage
	}
	return base64.StdEncoding.DecodeString(s)
}

// Fit downscales img so that neither side exceeds maxSize. Smaller images are returned as is.
func Fit(img image.Image, maxSize int) image.Image {
	b := img.Bounds()
	if maxSize <= 0 || (b.Dx() <= maxSize && b.Dy() <= maxSize) {
		return img
	}
	return imaging.Fit(img, maxSize, maxSize, imaging.Lanczos)
}

// Prepare decodes, downscales and re-encodes an upload for the detectors.
func Prepare(data []byte, maxSize int) (iface.ImageData, error) {
	img, format, err := Decode(data)
	if err != nil {
		return iface.ImageData{}, err
	}
	img = Fit(img, maxSize)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return iface.ImageData{}, fmt.Errorf("encode image: %w", err)
	}
	b := img.Bounds()
	return iface.ImageData{
		Image:   img,
		Width:   b.Dx(),
		Height:  b.Dy(),
		Format:  format,
		Encoded: buf.Bytes(),
	}, nil
}

// Fingerprint derives the result-cache key for a prepared image.
func Fingerprint(img iface.ImageData, mode string) string {
	h := xxhash.New()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(img.Width))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(img.Height))
	_, _ = h.Write(hdr[:])
	if mode == FingerprintShape || img.Image == nil {
		_, _ = h.WriteString(img.Format)
		return fmt.Sprintf("shape-%016x", h.Sum64())
	}
	_, _ = h.Write(imaging.Clone(img.Image).Pix)
	return fmt.Sprintf("%016x", h.Sum64())
}
