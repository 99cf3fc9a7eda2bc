package resource

import (
	"regexp"

	"github.com/tmshq/tms/internal"
)

// A regular expression used to validate resource names.
var validName = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)

func ValidateName(name *string) error {
	if name == nil || *name == "" {
		return internal.ErrRequiredName
	}
	if !validName.MatchString(*name) {
		return internal.ErrInvalidName
	}
	return nil
}
