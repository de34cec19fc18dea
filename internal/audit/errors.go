package audit

import "errors"

// ErrActionRequired is returned by Create for a record without an action.
var ErrActionRequired = errors.New("audit: action is required")
