package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the store rejected the input (constraint or type violation).
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrConflict indicates a compare-and-swap lost against a concurrent writer.
var ErrConflict = errors.New("repository: conflict")
