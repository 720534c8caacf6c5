//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package transparency

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a verification failure.
type ErrorKind int

const (
	KindMalformedProof ErrorKind = iota + 1
	KindSignatureInvalid
	KindRollback
	KindEquivocation
	KindConsistencyProofInvalid
	KindSearchProofInvalid
	KindMonitorProofInvalid
	KindStaleTreeHead
)

var (
	ErrMalformedProof          = errors.New("malformed proof")
	ErrSignatureInvalid        = errors.New("invalid signature")
	ErrRollback                = errors.New("rollback detected")
	ErrEquivocation            = errors.New("equivocation detected")
	ErrConsistencyProofInvalid = errors.New("invalid consistency proof")
	ErrSearchProofInvalid      = errors.New("invalid search proof")
	ErrMonitorProofInvalid     = errors.New("invalid monitoring proof")
	ErrStaleTreeHead           = errors.New("tree head is not fresh")
)

var kinds = map[ErrorKind]struct {
	name     string
	sentinel error
}{
	KindMalformedProof:          {"malformed_proof", ErrMalformedProof},
	KindSignatureInvalid:        {"signature_invalid", ErrSignatureInvalid},
	KindRollback:                {"rollback", ErrRollback},
	KindEquivocation:            {"equivocation", ErrEquivocation},
	KindConsistencyProofInvalid: {"consistency_proof_invalid", ErrConsistencyProofInvalid},
	KindSearchProofInvalid:      {"search_proof_invalid", ErrSearchProofInvalid},
	KindMonitorProofInvalid:     {"monitor_proof_invalid", ErrMonitorProofInvalid},
	KindStaleTreeHead:           {"stale_tree_head", ErrStaleTreeHead},
}

func (k ErrorKind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Stage is the last step of verification that a response completed.
type Stage int

const (
	StageReceived Stage = iota
	StageTreeHeadVerified
	StageProofsVerified
	StageStateAdvanced
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageTreeHeadVerified:
		return "tree_head_verified"
	case StageProofsVerified:
		return "proofs_verified"
	case StageStateAdvanced:
		return "state_advanced"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// VerificationError is returned for every response that fails verification.
// It matches both the sentinel error of its kind and its cause with
// errors.Is.
type VerificationError struct {
	Kind  ErrorKind
	Stage Stage
	Err   error
}

func (e *VerificationError) Error() string {
	msg := e.Kind.String()
	if info, ok := kinds[e.Kind]; ok {
		msg = info.sentinel.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (after %v)", msg, e.Stage)
	}
	return fmt.Sprintf("%s (after %v): %v", msg, e.Stage, e.Err)
}

func (e *VerificationError) Unwrap() []error {
	out := make([]error, 0, 2)
	if info, ok := kinds[e.Kind]; ok {
		out = append(out, info.sentinel)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// KindOf returns the kind of a verification error, or 0 if err is not one.
func KindOf(err error) ErrorKind {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return 0
}

func newError(kind ErrorKind, err error) *VerificationError {
	return &VerificationError{Kind: kind, Err: err}
}

func errorf(kind ErrorKind, format string, args ...any) *VerificationError {
	return &VerificationError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// atStage records the stage at which err happened, if it is a verification
// error that has not been placed yet.
func atStage(err error, stage Stage) error {
	var ve *VerificationError
	if errors.As(err, &ve) && ve.Stage == StageReceived {
		ve.Stage = stage
	}
	return err
}
