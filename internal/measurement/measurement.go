// Package measurement defines the sum type produced by Readable and Camera
// capability calls before it is handed to the fan-out bus.
package measurement

import "time"

// Kind discriminates the payload carried by a Measurement.
type Kind string

const (
	KindScalar   Kind = "scalar"
	KindVector   Kind = "vector"
	KindImage    Kind = "image"
	KindSpectrum Kind = "spectrum"
)

// ImageMetadata accompanies an image payload.
type ImageMetadata struct {
	Exposure        time.Duration
	Gain            float64
	SensorTempC     float64
	ReadoutTime     time.Duration
	BinningX        int
	BinningY        int
}

// Measurement is a tagged record produced by a device read. Exactly one of
// Scalar/Vector/Image/Spectrum is meaningful, selected by Kind.
type Measurement struct {
	Channel    string
	Timestamp  time.Time
	Kind       Kind
	Attributes map[string]string

	Scalar float64
	Vector []float64

	Image       []byte
	Width       int
	Height      int
	BitDepth    int
	ImageMeta   ImageMetadata

	SpectrumX []float64
	SpectrumY []float64
}

// NewScalar builds a scalar measurement stamped with the current time.
func NewScalar(channel string, value float64) Measurement {
	return Measurement{Channel: channel, Timestamp: time.Now(), Kind: KindScalar, Scalar: value}
}

// NewVector builds a vector measurement stamped with the current time.
func NewVector(channel string, values []float64) Measurement {
	return Measurement{Channel: channel, Timestamp: time.Now(), Kind: KindVector, Vector: values}
}
