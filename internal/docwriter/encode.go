package docwriter

import (
	"encoding/json"

	"github.com/labdaq/daqd/internal/document"
)

// encodeStart/encodeDescriptor/encodeStop serialize the small, infrequent
// per-run metadata records with encoding/json: unlike the high-frequency
// per-event scalar path (binary, fixed-width), these are written once or
// twice per run and benefit far more from being human-readable on disk than
// from shaving bytes.
func encodeStart(s *document.Start) []byte {
	b, _ := json.Marshal(s)
	return b
}

func encodeDescriptor(d *document.Descriptor) []byte {
	b, _ := json.Marshal(d)
	return b
}

func encodeStop(s *document.Stop) []byte {
	b, _ := json.Marshal(s)
	return b
}

func encodeManifest(m *document.Manifest) []byte {
	b, _ := json.Marshal(m)
	return b
}
