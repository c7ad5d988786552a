package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRuleNotRunning is returned when stopping a rule that has no run in progress
var ErrRuleNotRunning = errors.New("rule is not running")

// ErrEntityNotFound is wrapped by adapter errors for a missing remote entity
var ErrEntityNotFound = errors.New("entity not found")

// Violation is one failed validation check
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every violation found, not only the first
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a violation
func (e *ValidationError) Add(field, message string) {
	e.Violations = append(e.Violations, Violation{Field: field, Message: message})
}

// HasViolations reports whether any check failed
func (e *ValidationError) HasViolations() bool {
	return len(e.Violations) > 0
}

// RuleNotFoundError is returned for an unknown rule ID
type RuleNotFoundError struct {
	RuleID string
}

func (e *RuleNotFoundError) Error() string {
	return fmt.Sprintf("sync rule %s not found", e.RuleID)
}

// NotFoundError is returned for unknown mappings, conflicts, logs and stores
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// RuleNotActiveError is returned when running a paused rule
type RuleNotActiveError struct {
	RuleID string
	Status RuleStatus
}

func (e *RuleNotActiveError) Error() string {
	return fmt.Sprintf("sync rule %s is %s", e.RuleID, e.Status)
}

// AlreadyRunningError is returned when a run lock is already held
type AlreadyRunningError struct {
	RuleID string
	Key    string
}

func (e *AlreadyRunningError) Error() string {
	if e.Key != "" && e.Key != e.RuleID {
		return fmt.Sprintf("sync rule %s cannot start: %s is already running", e.RuleID, e.Key)
	}
	return fmt.Sprintf("sync rule %s is already running", e.RuleID)
}

// MappingConflictError is returned when an upsert would repoint a mapping to a different target
type MappingConflictError struct {
	Key               MappingKey
	ExistingTargetID  string
	RequestedTargetID string
}

func (e *MappingConflictError) Error() string {
	return fmt.Sprintf("mapping %s already points to %s, refusing to repoint to %s",
		e.Key, e.ExistingTargetID, e.RequestedTargetID)
}

// ConflictNotPendingError is returned when resolving an already resolved conflict
type ConflictNotPendingError struct {
	ConflictID string
	State      ConflictState
}

func (e *ConflictNotPendingError) Error() string {
	return fmt.Sprintf("conflict %s is %s", e.ConflictID, e.State)
}

// AdapterError is a failed call to a platform adapter
type AdapterError struct {
	StoreID    string
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *AdapterError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("store %s: %s failed with status %d: %v", e.StoreID, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("store %s: %s failed: %v", e.StoreID, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// RateLimitExceededError is returned once an adapter gives up waiting on a throttled platform
type RateLimitExceededError struct {
	StoreID    string
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("store %s: rate limit exceeded (retry after %s)", e.StoreID, e.RetryAfter)
}

// AuthExpiredError is returned when a platform rejects the store's credentials
type AuthExpiredError struct {
	StoreID string
	Err     error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("store %s: credentials rejected: %v", e.StoreID, e.Err)
}

func (e *AuthExpiredError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Transient
	}
	return false
}

// IsAuthExpired reports whether err is an AuthExpiredError
func IsAuthExpired(err error) bool {
	var authErr *AuthExpiredError
	return errors.As(err, &authErr)
}

// IsNotFound reports whether err denotes a missing rule, record or remote entity
func IsNotFound(err error) bool {
	var ruleErr *RuleNotFoundError
	var nfErr *NotFoundError
	return errors.As(err, &ruleErr) || errors.As(err, &nfErr) || errors.Is(err, ErrEntityNotFound)
}
