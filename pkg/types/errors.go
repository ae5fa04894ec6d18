// Copyright 2025 Webb Technologies
//
// Error taxonomy shared by the watcher, signing backends and tx queues
// Classification decides retry vs record-and-skip vs process shutdown.

package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for propagation policy.
type ErrorKind string

const (
	// ErrKindConfig: missing or invalid configuration. Fatal at startup.
	ErrKindConfig ErrorKind = "config"
	// ErrKindNetwork: transient RPC/WS failure. Retried with backoff.
	ErrKindNetwork ErrorKind = "network"
	// ErrKindChain: a call reverted or was rejected by the node.
	ErrKindChain ErrorKind = "chain"
	// ErrKindStore: durable-store I/O failure. Fatal.
	ErrKindStore ErrorKind = "store"
	// ErrKindProtocol: a decoded event or proposal is malformed. Permanent
	// for that item; recorded to the dead-letter keyspace.
	ErrKindProtocol ErrorKind = "protocol"
	// ErrKindSigning: a signing backend failed or timed out. Retryable.
	ErrKindSigning ErrorKind = "signing"
	// ErrKindClient: a malformed or unauthorized API request. Surfaced 4xx.
	ErrKindClient ErrorKind = "client"
)

// Error carries a kind alongside the underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error wrapping cause (which may be nil).
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the classification of err, defaulting unclassified errors
// to network (the safe, retryable assumption for I/O paths).
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindNetwork
}

// IsRetryable reports whether the error should be retried with backoff
// rather than treated as terminal.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrKindNetwork, ErrKindSigning:
		return true
	case ErrKindChain:
		// Chain errors are retryable only when explicitly marked transient
		// by the classifier that produced them; default to permanent.
		var e *Error
		if errors.As(err, &e) {
			return e.Message == "transient"
		}
		return false
	default:
		return false
	}
}

// NewTransientChainError marks a chain-level failure (underpriced, nonce too
// low) that a resubmission can clear.
func NewTransientChainError(cause error) *Error {
	return &Error{Kind: ErrKindChain, Message: "transient", Err: cause}
}
