package core

import "time"

// Provenance records how a registry entry came to exist
type Provenance struct {
	Verified   bool      `json:"verified"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
}

// RegistryEntry maps an identity address to an endpoint descriptor
type RegistryEntry struct {
	Address    string     `json:"address"`
	Endpoint   string     `json:"endpoint"`
	Meta       string     `json:"meta,omitempty"` // Optional endpoint metadata from the legacy write path
	Provenance Provenance `json:"provenance"`
}
