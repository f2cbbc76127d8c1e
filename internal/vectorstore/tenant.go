package vectorstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
)

// ErrInvalidTenant is returned when a tenant identifier is unsafe to use as
// a directory or collection name.
var ErrInvalidTenant = errors.New("invalid tenant identifier")

var tenantPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateTenantID checks that id is safe for filesystem paths.
func ValidateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTenant)
	}
	if len(id) > 255 {
		return fmt.Errorf("%w: too long (max 255)", ErrInvalidTenant)
	}
	if !tenantPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, id)
	}
	if id == "." || id == ".." || filepath.Clean(id) != id {
		return fmt.Errorf("%w: path traversal in %q", ErrInvalidTenant, id)
	}
	return nil
}
