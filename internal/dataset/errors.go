package dataset

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports a malformed definition.
type ValidationError struct {
	// File is the definitions file, when known.
	File string

	// Path locates the definition inside the file, e.g.
	// "postgres_db.customer.fields.address_id".
	Path string

	Message string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation error")
	if e.File != "" {
		b.WriteString(": ")
		b.WriteString(e.File)
	}
	if e.Path != "" {
		b.WriteString(": ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(path, format string, args ...any) *ValidationError {
	return &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// inFile stamps file on err when it is a *ValidationError without one.
func inFile(err error, file string) error {
	var ve *ValidationError
	if errors.As(err, &ve) && ve.File == "" {
		ve.File = file
	}
	return err
}

// fromValidator turns the first struct tag violation into a ValidationError.
func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := verrs[0]
	msg := fmt.Sprintf("failed %q", fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("failed %q (%s)", fe.Tag(), fe.Param())
	}
	if len(verrs) > 1 {
		msg += fmt.Sprintf(" and %d more", len(verrs)-1)
	}
	return &ValidationError{Path: fe.Namespace(), Message: msg}
}
