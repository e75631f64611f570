package runner

import (
	"encoding/json"
	"strings"
	"time"
)

// SidecarSuffix is appended to an artifact's remote path to form its
// metadata object.
const SidecarSuffix = ".meta.json"

// Sidecar is the metadata object written next to every uploaded artifact.
// It is the only place the encryption IV and auth tag live; losing it makes
// an encrypted artifact unrecoverable.
type Sidecar struct {
	JobName     string             `json:"jobName"`
	SourceName  string             `json:"sourceName"`
	SourceType  string             `json:"sourceType"`
	Databases   SidecarDatabases   `json:"databases"`
	Compression string             `json:"compression"`
	Encryption  *SidecarEncryption `json:"encryption,omitempty"`
	Locked      bool               `json:"locked"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// SidecarDatabases mirrors the dump's database coverage.
type SidecarDatabases struct {
	Count DatabaseCount `json:"count"`
	Label string        `json:"label"`
}

// DatabaseCount serializes as a number for explicit selections and as the
// marker "All" for all-database dumps, where no number exists.
type DatabaseCount struct {
	N   int
	All bool
}

// MarshalJSON implements json.Marshaler.
func (c DatabaseCount) MarshalJSON() ([]byte, error) {
	if c.All {
		return json.Marshal("All")
	}
	return json.Marshal(c.N)
}

// UnmarshalJSON implements json.Unmarshaler, accepting number | "All".
func (c *DatabaseCount) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*c = DatabaseCount{N: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = DatabaseCount{All: strings.EqualFold(s, "all")}
	return nil
}

// SidecarEncryption carries the out-of-band material needed to decrypt the
// artifact, plus the filename it had before the .enc suffix was applied.
type SidecarEncryption struct {
	ProfileID    string `json:"profileId"`
	IV           string `json:"iv"`
	AuthTag      string `json:"authTag"`
	OriginalName string `json:"originalName"`
}

// ParseSidecar decodes sidecar bytes. Callers treat any error as "no
// metadata": the artifact is then considered unlocked and unencrypted.
func ParseSidecar(data []byte) (*Sidecar, error) {
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
