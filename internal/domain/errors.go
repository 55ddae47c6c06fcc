package domain

import "errors"

// ErrNotFound is the shared not-found sentinel for domain entities. Store
// implementations wrap it with the entity and id; API handlers map it to 404.
var ErrNotFound = errors.New("not found")
