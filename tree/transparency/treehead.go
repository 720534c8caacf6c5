//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package transparency

import (
	"time"

	"github.com/signalapp/keytrans/tree/log"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

const (
	timeMaxAhead         = 10 * time.Second   // The max amount of time that a timestamp can be ahead of the current time.
	timeMaxBehind        = 1 * 24 * time.Hour // The max amount of time that a timestamp can be behind the current time.
	timeAuditorMaxBehind = 7 * 24 * time.Hour // The max amount of time that an auditor timestamp can be behind the current time.
	entriesMaxBehind     = 10000000           // The max number of entries that an auditor tree head can be behind the current tree head.
)

// checkFullTreeHead checks that a FullTreeHead has all of its required
// fields before anything else is done with it.
func checkFullTreeHead(fth *wire.FullTreeHead) error {
	if fth == nil || fth.TreeHead == nil {
		return errorf(KindMalformedProof, "tree head is missing")
	} else if fth.TreeHead.TreeSize == 0 {
		return errorf(KindMalformedProof, "tree head has size zero")
	}
	for _, fath := range fth.FullAuditorTreeHeads {
		if fath == nil || fath.TreeHead == nil {
			return errorf(KindMalformedProof, "auditor tree head is missing")
		} else if fath.TreeHead.TreeSize == 0 {
			return errorf(KindMalformedProof, "auditor tree head has size zero")
		}
	}
	return nil
}

// verifyTreeHead checks the service's signatures on a tree head whose root
// was reconstructed as root. Every signature must verify, and there must be
// at least one.
func verifyTreeHead(config *PublicConfig, head *wire.TreeHead, root []byte) error {
	if len(head.Signatures) == 0 {
		return errorf(KindSignatureInvalid, "tree head is not signed")
	}
	tbs := &treeHeadTbs{TreeSize: head.TreeSize, Timestamp: head.Timestamp, Root: root}
	for _, sig := range head.Signatures {
		if sig == nil {
			return errorf(KindMalformedProof, "signature is missing")
		}
		if config.Mode == ThirdPartyAuditing && !config.auditorKnown(sig.AuditorPublicKey) {
			return errorf(KindSignatureInvalid, "tree head signed for unknown auditor %x", sig.AuditorPublicKey)
		}
		if err := verifyTbs(config, config.SigKey, sig.AuditorPublicKey, tbs, sig.Signature); err != nil {
			return err
		}
	}
	return nil
}

// checkTimestamp checks that a timestamp is within [now-behind, now+ahead].
func checkTimestamp(now time.Time, then int64, behind time.Duration) error {
	ms := now.UnixMilli()
	if ms > then && ms-then > behind.Milliseconds() {
		return errorf(KindStaleTreeHead, "timestamp %d is too far behind current time", then)
	} else if ms < then && then-ms > timeMaxAhead.Milliseconds() {
		return errorf(KindStaleTreeHead, "timestamp %d is too far ahead of current time", then)
	}
	return nil
}

// verifyAuditorTreeHeads checks the auditor tree heads attached to a tree
// head in third-party auditing mode.
func verifyAuditorTreeHeads(config *PublicConfig, fth *wire.FullTreeHead, root []byte, now time.Time) error {
	if config.Mode != ThirdPartyAuditing {
		if len(fth.FullAuditorTreeHeads) > 0 {
			return errorf(KindMalformedProof, "auditor tree head provided when not expected")
		}
		return nil
	} else if len(fth.FullAuditorTreeHeads) == 0 {
		return errorf(KindMalformedProof, "auditor tree head not provided even though auditing is required")
	}

	treeSize := fth.TreeHead.TreeSize
	for _, fath := range fth.FullAuditorTreeHeads {
		head := fath.TreeHead
		if !config.auditorKnown(fath.PublicKey) {
			return errorf(KindSignatureInvalid, "unknown auditor public key %x", fath.PublicKey)
		} else if err := checkTimestamp(now, head.Timestamp, timeAuditorMaxBehind); err != nil {
			return err
		}

		if head.TreeSize > treeSize {
			return errorf(KindRollback, "auditor tree head may not be further along than service tree head")
		} else if treeSize-head.TreeSize > entriesMaxBehind {
			return errorf(KindStaleTreeHead, "auditor tree head is too far behind service tree head")
		}

		auditorRoot := root
		if head.TreeSize < treeSize {
			if len(fath.RootValue) != log.HashSize {
				return errorf(KindMalformedProof, "auditor root value has length %d", len(fath.RootValue))
			}
			err := log.VerifyConsistencyProof(head.TreeSize, treeSize, fath.Consistency, fath.RootValue, root)
			if err != nil {
				return newError(KindConsistencyProofInvalid, err)
			}
			auditorRoot = fath.RootValue
		} else if fath.Consistency != nil {
			return errorf(KindMalformedProof, "consistency proof provided when not expected")
		} else if fath.RootValue != nil {
			return errorf(KindMalformedProof, "explicit root value provided when not expected")
		}

		tbs := &treeHeadTbs{TreeSize: head.TreeSize, Timestamp: head.Timestamp, Root: auditorRoot}
		if err := verifyTbs(config, fath.PublicKey, fath.PublicKey, tbs, head.Signature); err != nil {
			return err
		}
	}
	return nil
}

// verifyFullTreeHead runs every check of a tree head that does not depend on
// previously verified state.
func verifyFullTreeHead(config *PublicConfig, fth *wire.FullTreeHead, root []byte, now time.Time) error {
	if err := verifyTreeHead(config, fth.TreeHead, root); err != nil {
		return err
	} else if err := verifyAuditorTreeHeads(config, fth, root, now); err != nil {
		return err
	}
	return checkTimestamp(now, fth.TreeHead.Timestamp, timeMaxBehind)
}
