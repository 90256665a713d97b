package domain

import (
	"errors"
	"fmt"
	"strings"
)

// MissingVariableError means a template referenced tokens the resolver could
// not supply. The render fails closed; nothing reaches a dispatcher.
type MissingVariableError struct {
	TemplateID string
	Names      []string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template %s references unresolved variables: %s", e.TemplateID, strings.Join(e.Names, ", "))
}

// ConfigurationError means a flow references a template or flow definition
// that does not exist. Surfaced to the operator; the pass continues.
type ConfigurationError struct {
	Ref string
	Msg string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Ref, e.Msg)
}

// ChannelError wraps a dispatcher failure with its retry classification.
type ChannelError struct {
	Transient  bool
	Code       string
	HTTPStatus int
	Err        error
}

func (e *ChannelError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s channel error (code %s): %v", kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s channel error: %v", kind, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

func NewTransient(err error) *ChannelError { return &ChannelError{Transient: true, Err: err} }
func NewPermanent(err error) *ChannelError { return &ChannelError{Transient: false, Err: err} }

// IsTransient reports whether err should be retried on a later pass.
// Unclassified errors count as transient: the attempt counter bounds them.
func IsTransient(err error) bool {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return true
}

// IsPermanent reports whether err is a non-retryable channel rejection.
func IsPermanent(err error) bool {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return !ce.Transient
	}
	return false
}
