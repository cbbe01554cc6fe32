// Package validator provides rule-based input validation.
//
// A Rule pairs a check with the ValidationError reported when it fails.
// Apply evaluates every rule and returns ValidationErrors (or nil), which
// callers detect with IsValidationError or errors.Is(err, ErrValidationFailed):
//
//	if err := validator.Apply(
//		validator.RequiredString("email", email),
//		validator.ValidEmail("email", email),
//	); err != nil {
//		return err
//	}
package validator
