package db

import (
	"database/sql/driver"
	"fmt"

	"github.com/dumpkeep-io/dumpkeep/internal/secrets"
)

// EncryptedString is a string type that is transparently encrypted with
// AES-256-GCM (via the secrets envelope) before being written to the
// database, and decrypted after being read. Use it for any sensitive field
// (adapter configs, channel configs, wrapped data keys, settings values).
//
// An empty EncryptedString is stored as an empty string without encryption.
type EncryptedString string

// Value implements driver.Valuer. Called by GORM before writing to the database.
func (e EncryptedString) Value() (driver.Value, error) {
	opaque, err := secrets.Encrypt(string(e))
	if err != nil {
		return nil, fmt.Errorf("db: encrypt field: %w", err)
	}
	return opaque, nil
}

// Scan implements sql.Scanner. Called by GORM after reading from the database.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}

	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("db: EncryptedString.Scan: expected string, got %T", value)
	}

	plaintext, err := secrets.Decrypt(str)
	if err != nil {
		return fmt.Errorf("db: decrypt field: %w", err)
	}
	*e = EncryptedString(plaintext)
	return nil
}
