// Package tenant defines the tenant identifier every tenant-scoped store
// requires. The identifier can only be built through New (or decoding), so a
// store method that takes an ID cannot be called with an unfiltered query.
package tenant

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingTenant is returned when a zero ID reaches a tenant-scoped store.
var ErrMissingTenant = errors.New("tenant id is required")

// ID identifies a tenant. The zero value is invalid.
type ID struct {
	value string
}

// New validates s and returns it as an ID.
func New(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ID{}, ErrMissingTenant
	}
	if len(s) > 128 {
		return ID{}, fmt.Errorf("tenant id length %d exceeds maximum of 128 characters", len(s))
	}
	return ID{value: s}, nil
}

// MustNew is New for constants and tests. It panics on an invalid id.
func MustNew(s string) ID {
	id, err := New(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string { return id.value }

// IsZero reports whether id was never initialised.
func (id ID) IsZero() bool { return id.value == "" }

// Check returns ErrMissingTenant for the zero ID.
func (id ID) Check() error {
	if id.IsZero() {
		return ErrMissingTenant
	}
	return nil
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := New(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer so IDs can be passed straight to database/sql.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, ErrMissingTenant
	}
	return id.value, nil
}

// Scan implements sql.Scanner.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return id.UnmarshalText([]byte(v))
	case []byte:
		return id.UnmarshalText(v)
	case nil:
		return ErrMissingTenant
	default:
		return fmt.Errorf("tenant: cannot scan %T", src)
	}
}
