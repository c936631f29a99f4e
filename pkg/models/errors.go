package models

import "errors"

// ErrNotFound is returned by stores when a requested scenario or capture
// does not exist.
var ErrNotFound = errors.New("not found")
