package core

import "fmt"

// Error is a coded error used across switchboard infrastructure packages.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
