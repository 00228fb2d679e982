// Package domain contains core business entities.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Snapshot is one cycle's decoded values ready for publishing.
type Snapshot struct {
	// DeviceID identifies the source device
	DeviceID string `json:"device_id"`

	// Measurement names the document in JSON mode
	Measurement string `json:"measurement"`

	// Fields maps the (prefixed) variable names to decoded values
	Fields DecodedRegistry `json:"-"`

	// Timestamp is when the cycle's reads completed
	Timestamp time.Time `json:"-"`
}

// NewSnapshot creates an empty snapshot stamped with the current time.
func NewSnapshot(deviceID, measurement string) *Snapshot {
	return &Snapshot{
		DeviceID:    deviceID,
		Measurement: measurement,
		Fields:      make(DecodedRegistry),
		Timestamp:   time.Now(),
	}
}

// Add copies values into the snapshot, prefixing every key.
func (s *Snapshot) Add(prefix string, values DecodedRegistry) {
	for key, value := range values {
		s.Fields[prefix+key] = value
	}
}

// snapshotDocument is the JSON-mode payload layout.
type snapshotDocument struct {
	Measurement string                 `json:"measurement"`
	DeviceID    string                 `json:"device_id"`
	Timestamp   int64                  `json:"ts"`
	Fields      map[string]interface{} `json:"fields"`
}

// ToJSON serializes the whole snapshot as one document.
func (s *Snapshot) ToJSON() ([]byte, error) {
	fields := make(map[string]interface{}, len(s.Fields))
	for key, value := range s.Fields {
		fields[key] = value.Interface()
	}
	return json.Marshal(snapshotDocument{
		Measurement: s.Measurement,
		DeviceID:    s.DeviceID,
		Timestamp:   s.Timestamp.UnixMilli(),
		Fields:      fields,
	})
}

// Messages returns one (topic, payload) pair per field: the key cleaned with
// CleanName under baseTopic and the value's string form.
func (s *Snapshot) Messages(baseTopic string) map[string][]byte {
	out := make(map[string][]byte, len(s.Fields))
	base := strings.TrimSuffix(baseTopic, "/")
	for key, value := range s.Fields {
		out[base+"/"+CleanName(key)] = []byte(value.String())
	}
	return out
}
