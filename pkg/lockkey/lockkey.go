// Package lockkey turns a command identity into a short, stable,
// human-readable lock key of the form <ShortName>_<7 hex chars>.
//
// The identity should name a command type, never an invocation: a Go type
// identity ("example.com/jobs.ReportCommand"), a job name, or the absolute
// path of an executable. The hash is computed over the full identity so two
// identities sharing a short name still get distinct keys.
package lockkey

import (
	"crypto/sha1"
	"encoding/hex"
	"reflect"
	"strings"

	"github.com/jvs-project/runguard/pkg/model"
	"github.com/jvs-project/runguard/pkg/pathutil"
)

// HashLen is the number of hex characters of the identity hash kept in a key.
const HashLen = 7

const fallbackShortName = "command"

// Derive returns the lock key for identity.
func Derive(identity string) model.LockKey {
	return DeriveNamed(ShortName(identity), identity)
}

// DeriveNamed returns a key that displays short but hashes identity.
func DeriveNamed(short, identity string) model.LockKey {
	short = pathutil.Sanitize(short)
	if short == "" {
		short = fallbackShortName
	}
	return model.LockKey(short + "_" + Hash(identity))
}

// Resolve turns an operator argument into a key. A string already shaped
// like a lock key is taken as is; anything else is a job name and resolves
// to the key of a command registered under that name, i.e.
// DeriveNamed(arg, arg).
func Resolve(arg string) model.LockKey {
	if pathutil.ValidateKey(arg) == nil {
		return model.LockKey(arg)
	}
	return DeriveNamed(arg, arg)
}

// Hash returns the first HashLen hex characters of sha1(identity).
func Hash(identity string) string {
	sum := sha1.Sum([]byte(identity))
	return hex.EncodeToString(sum[:])[:HashLen]
}

// ShortName returns the display part of identity: the last path segment
// (split on '/' or '\'), then the last dot-separated component of it.
func ShortName(identity string) string {
	s := identity
	if i := strings.LastIndexAny(s, `/\`); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, '.'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return s
}

// IdentityOf returns the Go type identity of v ("pkgpath.TypeName"),
// dereferencing pointers. Unnamed types fall back to their string form.
func IdentityOf(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// Split separates key into its short name and hash parts. ok is false when
// key does not end in "_<hash>".
func Split(key model.LockKey) (short, hash string, ok bool) {
	s := string(key)
	i := strings.LastIndexByte(s, '_')
	if i <= 0 || len(s)-i-1 != HashLen {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
