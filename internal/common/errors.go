package common

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with id '%s' not found", e.Resource, e.ID)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError indicates invalid input data.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// UnauthorizedError indicates missing or invalid authentication.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	if e.Message == "" {
		return "unauthorized"
	}
	return e.Message
}

// NewUnauthorizedError creates a new UnauthorizedError.
func NewUnauthorizedError(message string) *UnauthorizedError {
	return &UnauthorizedError{Message: message}
}

// ProviderError indicates an external provider failure outside of a send attempt
// (for example an archive upload rejected by object storage).
type ProviderError struct {
	Provider string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error: %s", e.Provider, e.Message)
}

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, message string) *ProviderError {
	return &ProviderError{Provider: provider, Message: message}
}

// TemplateMissingForChannelError is returned when a template declares a channel
// but carries no sub-template for it.
type TemplateMissingForChannelError struct {
	TemplateID string
	Channel    string
}

func (e *TemplateMissingForChannelError) Error() string {
	return fmt.Sprintf("template '%s' declares channel %s but has no %s sub-template", e.TemplateID, e.Channel, e.Channel)
}

// NewTemplateMissingForChannelError creates a new TemplateMissingForChannelError.
func NewTemplateMissingForChannelError(templateID, channel string) *TemplateMissingForChannelError {
	return &TemplateMissingForChannelError{TemplateID: templateID, Channel: channel}
}

// MissingVariablesError lists every placeholder that could not be resolved.
type MissingVariablesError struct {
	Names []string
}

func (e *MissingVariablesError) Error() string {
	return "missing required variables: " + strings.Join(e.Names, ", ")
}

// NewMissingVariablesError creates a new MissingVariablesError.
func NewMissingVariablesError(names []string) *MissingVariablesError {
	return &MissingVariablesError{Names: names}
}

// InvalidTransitionError is returned for a status change the state machine forbids.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

// NewInvalidTransitionError creates a new InvalidTransitionError.
func NewInvalidTransitionError(from, to string) *InvalidTransitionError {
	return &InvalidTransitionError{From: from, To: to}
}

// SendFailureKind classifies a failed delivery attempt.
type SendFailureKind int

const (
	// SendTransient failures (timeouts, rate limits, 5xx) are retried.
	SendTransient SendFailureKind = iota
	// SendPermanent failures (invalid address, unsubscribed, malformed payload) are not.
	SendPermanent
)

func (k SendFailureKind) String() string {
	if k == SendPermanent {
		return "permanent"
	}
	return "transient"
}

// SendError is returned by channel senders to classify a rejected delivery.
type SendError struct {
	Kind    SendFailureKind
	Channel string
	Message string
	Err     error
}

func (e *SendError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s send failure on %s: %s", e.Kind, e.Channel, msg)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// NewTransientSendError creates a retryable SendError.
func NewTransientSendError(channel, message string, err error) *SendError {
	return &SendError{Kind: SendTransient, Channel: channel, Message: message, Err: err}
}

// NewPermanentSendError creates a non-retryable SendError.
func NewPermanentSendError(channel, message string, err error) *SendError {
	return &SendError{Kind: SendPermanent, Channel: channel, Message: message, Err: err}
}

// IsPermanentSendFailure reports whether err carries a permanent SendError.
// Anything else, including unclassified errors, is treated as transient.
func IsPermanentSendFailure(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Kind == SendPermanent
}

// NewHTTPSendError classifies a provider's HTTP rejection. 408, 429 and 5xx
// are transient; every other status is permanent.
func NewHTTPSendError(channel string, status int, message string) *SendError {
	if message == "" {
		message = fmt.Sprintf("provider returned status %d", status)
	}
	if status == 408 || status == 429 || status >= 500 {
		return NewTransientSendError(channel, message, nil)
	}
	return NewPermanentSendError(channel, message, nil)
}

// RetriesExhaustedError is returned when a notification has used all its retries.
type RetriesExhaustedError struct {
	ID         string
	MaxRetries int
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("notification '%s' exhausted its %d retries", e.ID, e.MaxRetries)
}

// NewRetriesExhaustedError creates a new RetriesExhaustedError.
func NewRetriesExhaustedError(id string, maxRetries int) *RetriesExhaustedError {
	return &RetriesExhaustedError{ID: id, MaxRetries: maxRetries}
}

// ConflictError indicates a conditional update lost a race. Callers should
// re-read the record and retry the update.
type ConflictError struct {
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent update conflict on %s '%s'", e.Resource, e.ID)
}

// NewConflictError creates a new ConflictError.
func NewConflictError(resource, id string) *ConflictError {
	return &ConflictError{Resource: resource, ID: id}
}
