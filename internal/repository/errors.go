package repository

import "errors"

// ErrNotFound is returned when a project, scene or version does not exist.
var ErrNotFound = errors.New("not found")
