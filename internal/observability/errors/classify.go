// Package errors derives low-cardinality error labels for logs and metrics.
package errors

import (
	goerrors "errors"
	"reflect"
	"strings"

	apperrors "github.com/Mohmmad-amer/PolybotServiceDocker/internal/errors"
)

// Classify returns a normalized error class. AppError codes win; otherwise the
// innermost concrete type name is used, e.g. "os_patherror".
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if code := apperrors.GetCode(err); code != "" {
		return string(code)
	}

	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	name := strings.ToLower(strings.ReplaceAll(t.String(), ".", "_"))
	if name == "" {
		return "unknown"
	}
	return name
}
