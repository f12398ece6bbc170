// Package template expands {placeholder} tokens in configured paths and
// holder markers.
package template

import (
	"os"
	"os/user"
	"strconv"
	"strings"
)

// Expand replaces placeholders in text.
//
// Built-in placeholders:
//
//	{pid}       - current process id
//	{user}      - current username
//	{hostname}  - host name without domain
//
// vars adds or overrides placeholders ({job}, {key}, {app_root}, ...).
// Unknown placeholders are left untouched.
func Expand(text string, vars map[string]string) string {
	if !strings.Contains(text, "{") {
		return text
	}

	placeholders := map[string]string{
		"pid": strconv.Itoa(os.Getpid()),
	}

	if u, err := user.Current(); err == nil {
		placeholders["user"] = u.Username
	} else {
		placeholders["user"] = "unknown"
	}

	if h, err := os.Hostname(); err == nil {
		placeholders["hostname"] = strings.Split(h, ".")[0]
	} else {
		placeholders["hostname"] = "unknown"
	}

	for k, v := range vars {
		placeholders[k] = v
	}

	result := text
	for key, value := range placeholders {
		result = strings.ReplaceAll(result, "{"+key+"}", value)
	}
	return result
}

// Holder expands a holder marker format. An empty format yields the pid.
func Holder(format string) string {
	if format == "" {
		format = "{pid}"
	}
	return Expand(format, nil)
}
