// Package pathutil provides name validation and sanitization for job names
// and lock keys, which end up as file names in the lock directory.
package pathutil

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/jvs-project/runguard/pkg/errclass"
)

var (
	nameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	keyRegex  = regexp.MustCompile(`^[a-zA-Z0-9._-]+_[0-9a-f]{7}$`)
)

// ValidateName checks that a job name is safe to use as a file name.
func ValidateName(name string) error {
	if name == "" {
		return errclass.ErrNameInvalid.WithMessage("name must not be empty")
	}

	name = norm.NFC.String(name)

	if strings.Contains(name, "..") {
		return errclass.ErrNameInvalid.WithMessagef("name must not contain '..': %s", name)
	}

	if strings.ContainsAny(name, "/\\") {
		return errclass.ErrNameInvalid.WithMessagef("name must not contain separators: %s", name)
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return errclass.ErrNameInvalid.WithMessagef("name must not contain control characters: %q", name)
		}
	}

	if !nameRegex.MatchString(name) {
		return errclass.ErrNameInvalid.WithMessagef("name must match [a-zA-Z0-9._-]+: %s", name)
	}

	return nil
}

// ValidateKey checks that s has the <ShortName>_<7 hex> shape of a lock key.
func ValidateKey(s string) error {
	if err := ValidateName(s); err != nil {
		return err
	}
	if !keyRegex.MatchString(s) {
		return errclass.ErrNameInvalid.WithMessagef("not a lock key: %s", s)
	}
	return nil
}

// Sanitize NFC-normalizes s and replaces every rune outside
// [a-zA-Z0-9._-] with '_'. Leading dots are replaced too, so the result
// never names a hidden file or a parent directory.
func Sanitize(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch {
		case r == '.' && i == 0:
			b.WriteByte('_')
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-'):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.ReplaceAll(b.String(), "..", "__")
}
