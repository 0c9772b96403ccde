// Package exchange is the core of ModEx: the change queue, the translation
// registry, the ModelIR diff engine, and the round-based exchange
// orchestrator that keeps a set of Nodes consistent with one another.
package exchange

import "errors"

// ErrBlockTypeNotFound is returned by BlockIDsOfType when the requested
// type name has no entry in the IR's index.
var ErrBlockTypeNotFound = errors.New("exchange: block type not found in index")

// ErrBlockNotFound is returned by BlockByID when no block with the given
// id exists.
var ErrBlockNotFound = errors.New("exchange: block id not found")

// ErrNoBlockMatchingFilter is returned by GetFirstBlockWhere when no block
// satisfies every key/value pair in the search criteria.
var ErrNoBlockMatchingFilter = errors.New("exchange: no block matches filter criteria")

// ErrSameInstance is a validation error: a translation's from and to refer
// to the same *Node instance.
var ErrSameInstance = errors.New("exchange: translation from and to must be different nodes")

// ErrSameIdentifier is a validation error: a translation's from and to
// have the same identifier (but are different instances).
var ErrSameIdentifier = errors.New("exchange: translation from and to must have different identifiers")

// ErrDuplicateIdentifier is a validation error: two distinct Node
// instances were registered under the same identifier.
var ErrDuplicateIdentifier = errors.New("Duplicate model identifier detected")

// ErrDuplicateFilename is a validation error: two distinct Node instances
// share a sedaroml_filename.
var ErrDuplicateFilename = errors.New("Duplicate filename detected")

// ErrDuplicatePair is a validation error: the unordered {from, to}
// identifier pair was already declared by an earlier translation.
var ErrDuplicatePair = errors.New("exchange: duplicate translation pair")

// ErrNoConflictResolver is returned at startup when a Node reports a
// Conflict but the Orchestrator was not configured with a ConflictResolver
// (see WithConflictResolver).
var ErrNoConflictResolver = errors.New("exchange: node reported a conflict but no conflict resolver is configured")

// ErrUnexpectedResponse is returned when a Node's response to a command
// does not match any response the protocol allows in that state.
var ErrUnexpectedResponse = errors.New("exchange: unexpected node response")

// ErrTranslationFailed wraps an error returned by a user-supplied
// Operation's forward or reverse function. Translation errors are
// fatal: they abort the round loop via the configured FatalFunc.
var ErrTranslationFailed = errors.New("exchange: translation operation failed")

// ErrPersistFailed wraps an I/O error writing a Node's IR to disk during
// a round. Fatal, for the same reason as ErrTranslationFailed.
var ErrPersistFailed = errors.New("exchange: failed to persist node ir")

// ErrUnknownNode names an identifier that is not registered with the
// orchestrator. No function in this package returns it:
// TriggerWatchForModel accepts unknown identifiers without an error.
var ErrUnknownNode = errors.New("exchange: unknown node identifier")
