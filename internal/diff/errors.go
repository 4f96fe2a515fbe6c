package diff

import "fmt"

// InvalidUserFieldError reports a configured field that is not part of the
// User model.
type InvalidUserFieldError struct {
	Field string
}

func (e *InvalidUserFieldError) Error() string {
	return fmt.Sprintf("field %q not found in the user model", e.Field)
}

// InvalidGroupFieldError reports a configured field that is not part of the
// Group model.
type InvalidGroupFieldError struct {
	Field string
}

func (e *InvalidGroupFieldError) Error() string {
	return fmt.Sprintf("field %q not found in the group model", e.Field)
}

// InvalidPatternError reports a group pattern that failed to compile. Err
// holds the regexp package's own diagnosis.
type InvalidPatternError struct {
	Pattern string
	Err     error
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("group pattern %q does not compile: %v", e.Pattern, e.Err)
}

func (e *InvalidPatternError) Unwrap() error { return e.Err }
