package geo

import "fmt"

// LocationError is an acquisition failure carrying a numeric code.
type LocationError struct {
	Code    int
	Message string
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("location error %d: %s", e.Code, e.Message)
}

// Is matches any LocationError with the same code.
func (e *LocationError) Is(target error) bool {
	t, ok := target.(*LocationError)
	return ok && t.Code == e.Code
}

var (
	ErrLocationUnknown    = &LocationError{Code: 0, Message: "location unknown"}
	ErrPermissionDenied   = &LocationError{Code: 1, Message: "permission denied"}
	ErrNetwork            = &LocationError{Code: 2, Message: "network error"}
	ErrAcceptableAccuracy = &LocationError{Code: 100, Message: "no fix met the acceptable accuracy"}
	ErrTimeout            = &LocationError{Code: 408, Message: "location request timed out"}
	ErrCancelled          = &LocationError{Code: 499, Message: "location request cancelled"}
)

// ErrorCode extracts the code of a LocationError, or -1.
func ErrorCode(err error) int {
	if le, ok := err.(*LocationError); ok {
		return le.Code
	}
	if u, ok := err.(interface{ Unwrap() error }); ok && u.Unwrap() != nil {
		return ErrorCode(u.Unwrap())
	}
	return -1
}
