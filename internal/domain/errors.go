// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a request that contradicts current state, such as
// feedback for a project that is no longer active or a stale snapshot version.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates malformed input: an unknown topic, a missing field,
// or a payload that does not match its declared schema.
var ErrValidation = errors.New("validation failed")

// ErrNotImplemented is returned by agent capabilities that a concrete agent
// did not override.
var ErrNotImplemented = errors.New("not implemented")

// ErrCollaborator indicates that an external collaborator (LLM, search,
// storage) failed. Collaborator-specific sentinels wrap it.
var ErrCollaborator = errors.New("collaborator failure")
