//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// TreeHead is the service's signed claim about the state of the log. The root
// hash is not transmitted; it is reconstructed from the proofs that
// accompany the tree head.
type TreeHead struct {
	TreeSize   uint64
	Timestamp  int64 // Milliseconds since the Unix epoch.
	Signatures []*Signature
}

// Signature is the service's signature over a tree head, computed for one
// auditor. Outside of third-party auditing, AuditorPublicKey is empty.
type Signature struct {
	AuditorPublicKey []byte
	Signature        []byte
}

// AuditorTreeHead is a tree head signed by a third-party auditor.
type AuditorTreeHead struct {
	TreeSize  uint64
	Timestamp int64
	Signature []byte
}

// FullAuditorTreeHead carries an auditor's tree head along with what is
// needed to tie it to the service's current tree head. RootValue and
// Consistency are only present if the auditor is behind the service.
type FullAuditorTreeHead struct {
	TreeHead    *AuditorTreeHead
	RootValue   []byte
	Consistency [][]byte
	PublicKey   []byte
}

// FullTreeHead is a tree head along with consistency proofs from the sizes
// the client reported in its request.
type FullTreeHead struct {
	TreeHead             *TreeHead
	Last                 [][]byte
	Distinguished        [][]byte
	FullAuditorTreeHeads []*FullAuditorTreeHead
}

// PrefixProof proves the counter of a key's label in the prefix tree stored
// at one log entry. Proof is ordered from the leaf to the root. Path, when
// present, discloses the label bits used to navigate from the root.
type PrefixProof struct {
	Proof   [][]byte
	Counter uint32
	Path    []byte
}

// ProofStep is the data looked up at one log entry during a search.
type ProofStep struct {
	Prefix     *PrefixProof
	Commitment []byte
}

// SearchProof proves the most recent version of a key. Pos is the position
// at which the key first appeared and Inclusion is a batch inclusion proof
// for all of the entries visited by Steps.
type SearchProof struct {
	Pos       uint64
	Steps     []*ProofStep
	Inclusion [][]byte
}

type UpdateValue struct {
	Value []byte
}

// CondensedSearchResponse is the search result for one key, without a tree
// head.
type CondensedSearchResponse struct {
	VrfProof []byte
	Search   *SearchProof
	Opening  []byte
	Value    *UpdateValue
}

// Consistency reports the tree sizes the client has already verified, so the
// service can return consistency proofs from them.
type Consistency struct {
	Last          *uint64
	Distinguished *uint64
}

// SearchRequest asks for the keys bound to an ACI and, optionally, to a
// phone number and username hash.
type SearchRequest struct {
	Aci                   []byte
	AciIdentityKey        []byte
	E164                  []byte
	UsernameHash          []byte
	UnidentifiedAccessKey []byte
	Consistency           *Consistency
}

// SearchResponse answers a SearchRequest. E164 and UsernameHash are absent
// when the service does not disclose them to the requester.
type SearchResponse struct {
	TreeHead     *FullTreeHead
	Aci          *CondensedSearchResponse
	E164         *CondensedSearchResponse
	UsernameHash *CondensedSearchResponse
}

// UpdateRequest sets a new value for a search key.
type UpdateRequest struct {
	SearchKey   []byte
	Value       []byte
	Consistency *Consistency
}

// UpdateResponse proves that an UpdateRequest was applied.
type UpdateResponse struct {
	TreeHead *FullTreeHead
	VrfProof []byte
	Search   *SearchProof
	Opening  []byte
}

// MonitorKey identifies a key being monitored and the log entry holding the
// latest version of it that the client has verified.
type MonitorKey struct {
	SearchKey       []byte
	EntryPosition   uint64
	CommitmentIndex []byte
}

type MonitorRequest struct {
	Keys        []*MonitorKey
	Consistency *Consistency
}

// MonitorProof contains one step per checkpoint of a monitored key.
type MonitorProof struct {
	Steps []*ProofStep
}

// MonitorResponse answers a MonitorRequest with one proof per requested key
// and a single batch inclusion proof for every checkpoint.
type MonitorResponse struct {
	TreeHead  *FullTreeHead
	Proofs    []*MonitorProof
	Inclusion [][]byte
}

type DistinguishedRequest struct {
	Last *uint64
}

// DistinguishedResponse proves the value of the distinguished key, which the
// service updates on a fixed schedule.
type DistinguishedResponse struct {
	TreeHead      *FullTreeHead
	Distinguished *CondensedSearchResponse
}

func (x *TreeHead) appendTo(b []byte) []byte {
	b = appendVarint(b, 1, x.TreeSize)
	b = appendVarint(b, 2, uint64(x.Timestamp))
	for _, sig := range x.Signatures {
		b = appendMessage(b, 3, sig)
	}
	return b
}

func (x *TreeHead) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *TreeHead) Unmarshal(b []byte) error {
	*x = TreeHead{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &x.TreeSize)
		case 2:
			return consumeInt64(typ, b, &x.Timestamp)
		case 3:
			sig := &Signature{}
			x.Signatures = append(x.Signatures, sig)
			return consumeMessage(typ, b, sig)
		}
		return 0, nil
	})
}

func (x *Signature) appendTo(b []byte) []byte {
	b = appendBytes(b, 1, x.AuditorPublicKey)
	return appendBytes(b, 2, x.Signature)
}

func (x *Signature) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *Signature) Unmarshal(b []byte) error {
	*x = Signature{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &x.AuditorPublicKey)
		case 2:
			return consumeBytes(typ, b, &x.Signature)
		}
		return 0, nil
	})
}

func (x *AuditorTreeHead) appendTo(b []byte) []byte {
	b = appendVarint(b, 1, x.TreeSize)
	b = appendVarint(b, 2, uint64(x.Timestamp))
	return appendBytes(b, 3, x.Signature)
}

func (x *AuditorTreeHead) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *AuditorTreeHead) Unmarshal(b []byte) error {
	*x = AuditorTreeHead{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &x.TreeSize)
		case 2:
			return consumeInt64(typ, b, &x.Timestamp)
		case 3:
			return consumeBytes(typ, b, &x.Signature)
		}
		return 0, nil
	})
}

func (x *FullAuditorTreeHead) appendTo(b []byte) []byte {
	if x.TreeHead != nil {
		b = appendMessage(b, 1, x.TreeHead)
	}
	b = appendBytes(b, 2, x.RootValue)
	b = appendRepeatedBytes(b, 3, x.Consistency)
	return appendBytes(b, 4, x.PublicKey)
}

func (x *FullAuditorTreeHead) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *FullAuditorTreeHead) Unmarshal(b []byte) error {
	*x = FullAuditorTreeHead{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			x.TreeHead = &AuditorTreeHead{}
			return consumeMessage(typ, b, x.TreeHead)
		case 2:
			return consumeBytes(typ, b, &x.RootValue)
		case 3:
			return consumeRepeatedBytes(typ, b, &x.Consistency)
		case 4:
			return consumeBytes(typ, b, &x.PublicKey)
		}
		return 0, nil
	})
}

func (x *FullTreeHead) appendTo(b []byte) []byte {
	if x.TreeHead != nil {
		b = appendMessage(b, 1, x.TreeHead)
	}
	b = appendRepeatedBytes(b, 2, x.Last)
	b = appendRepeatedBytes(b, 3, x.Distinguished)
	for _, fath := range x.FullAuditorTreeHeads {
		b = appendMessage(b, 4, fath)
	}
	return b
}

func (x *FullTreeHead) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *FullTreeHead) Unmarshal(b []byte) error {
	*x = FullTreeHead{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			x.TreeHead = &TreeHead{}
			return consumeMessage(typ, b, x.TreeHead)
		case 2:
			return consumeRepeatedBytes(typ, b, &x.Last)
		case 3:
			return consumeRepeatedBytes(typ, b, &x.Distinguished)
		case 4:
			fath := &FullAuditorTreeHead{}
			x.FullAuditorTreeHeads = append(x.FullAuditorTreeHeads, fath)
			return consumeMessage(typ, b, fath)
		}
		return 0, nil
	})
}

func (x *PrefixProof) appendTo(b []byte) []byte {
	b = appendRepeatedBytes(b, 1, x.Proof)
	b = appendVarint(b, 2, uint64(x.Counter))
	return appendBytes(b, 3, x.Path)
}

func (x *PrefixProof) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *PrefixProof) Unmarshal(b []byte) error {
	*x = PrefixProof{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeRepeatedBytes(typ, b, &x.Proof)
		case 2:
			return consumeUint32(typ, b, &x.Counter)
		case 3:
			return consumeBytes(typ, b, &x.Path)
		}
		return 0, nil
	})
}

func (x *ProofStep) appendTo(b []byte) []byte {
	if x.Prefix != nil {
		b = appendMessage(b, 1, x.Prefix)
	}
	return appendBytes(b, 2, x.Commitment)
}

func (x *ProofStep) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *ProofStep) Unmarshal(b []byte) error {
	*x = ProofStep{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			x.Prefix = &PrefixProof{}
			return consumeMessage(typ, b, x.Prefix)
		case 2:
			return consumeBytes(typ, b, &x.Commitment)
		}
		return 0, nil
	})
}

func (x *SearchProof) appendTo(b []byte) []byte {
	b = appendVarint(b, 1, x.Pos)
	for _, step := range x.Steps {
		b = appendMessage(b, 2, step)
	}
	return appendRepeatedBytes(b, 3, x.Inclusion)
}

func (x *SearchProof) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *SearchProof) Unmarshal(b []byte) error {
	*x = SearchProof{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &x.Pos)
		case 2:
			step := &ProofStep{}
			x.Steps = append(x.Steps, step)
			return consumeMessage(typ, b, step)
		case 3:
			return consumeRepeatedBytes(typ, b, &x.Inclusion)
		}
		return 0, nil
	})
}

func (x *UpdateValue) appendTo(b []byte) []byte {
	return appendBytes(b, 1, x.Value)
}

func (x *UpdateValue) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *UpdateValue) Unmarshal(b []byte) error {
	*x = UpdateValue{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeBytes(typ, b, &x.Value)
		}
		return 0, nil
	})
}

func (x *CondensedSearchResponse) appendTo(b []byte) []byte {
	b = appendBytes(b, 1, x.VrfProof)
	if x.Search != nil {
		b = appendMessage(b, 2, x.Search)
	}
	b = appendBytes(b, 3, x.Opening)
	if x.Value != nil {
		b = appendMessage(b, 4, x.Value)
	}
	return b
}

func (x *CondensedSearchResponse) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *CondensedSearchResponse) Unmarshal(b []byte) error {
	*x = CondensedSearchResponse{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &x.VrfProof)
		case 2:
			x.Search = &SearchProof{}
			return consumeMessage(typ, b, x.Search)
		case 3:
			return consumeBytes(typ, b, &x.Opening)
		case 4:
			x.Value = &UpdateValue{}
			return consumeMessage(typ, b, x.Value)
		}
		return 0, nil
	})
}

func (x *Consistency) appendTo(b []byte) []byte {
	b = appendOptionalVarint(b, 1, x.Last)
	return appendOptionalVarint(b, 2, x.Distinguished)
}

func (x *Consistency) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *Consistency) Unmarshal(b []byte) error {
	*x = Consistency{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeOptionalVarint(typ, b, &x.Last)
		case 2:
			return consumeOptionalVarint(typ, b, &x.Distinguished)
		}
		return 0, nil
	})
}

func (x *SearchRequest) appendTo(b []byte) []byte {
	b = appendBytes(b, 1, x.Aci)
	b = appendBytes(b, 2, x.AciIdentityKey)
	b = appendBytes(b, 3, x.E164)
	b = appendBytes(b, 4, x.UsernameHash)
	b = appendBytes(b, 5, x.UnidentifiedAccessKey)
	if x.Consistency != nil {
		b = appendMessage(b, 6, x.Consistency)
	}
	return b
}

func (x *SearchRequest) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *SearchRequest) Unmarshal(b []byte) error {
	*x = SearchRequest{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &x.Aci)
		case 2:
			return consumeBytes(typ, b, &x.AciIdentityKey)
		case 3:
			return consumeBytes(typ, b, &x.E164)
		case 4:
			return consumeBytes(typ, b, &x.UsernameHash)
		case 5:
			return consumeBytes(typ, b, &x.UnidentifiedAccessKey)
		case 6:
			x.Consistency = &Consistency{}
			return consumeMessage(typ, b, x.Consistency)
		}
		return 0, nil
	})
}

func (x *SearchResponse) appendTo(b []byte) []byte {
	if x.TreeHead != nil {
		b = appendMessage(b, 1, x.TreeHead)
	}
	if x.Aci != nil {
		b = appendMessage(b, 2, x.Aci)
	}
	if x.E164 != nil {
		b = appendMessage(b, 3, x.E164)
	}
	if x.UsernameHash != nil {
		b = appendMessage(b, 4, x.UsernameHash)
	}
	return b
}

func (x *SearchResponse) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *SearchResponse) Unmarshal(b []byte) error {
	*x = SearchResponse{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			x.TreeHead = &FullTreeHead{}
			return consumeMessage(typ, b, x.TreeHead)
		case 2:
			x.Aci = &CondensedSearchResponse{}
			return consumeMessage(typ, b, x.Aci)
		case 3:
			x.E164 = &CondensedSearchResponse{}
			return consumeMessage(typ, b, x.E164)
		case 4:
			x.UsernameHash = &CondensedSearchResponse{}
			return consumeMessage(typ, b, x.UsernameHash)
		}
		return 0, nil
	})
}

func (x *UpdateRequest) appendTo(b []byte) []byte {
	b = appendBytes(b, 1, x.SearchKey)
	b = appendBytes(b, 2, x.Value)
	if x.Consistency != nil {
		b = appendMessage(b, 3, x.Consistency)
	}
	return b
}

func (x *UpdateRequest) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *UpdateRequest) Unmarshal(b []byte) error {
	*x = UpdateRequest{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &x.SearchKey)
		case 2:
			return consumeBytes(typ, b, &x.Value)
		case 3:
			x.Consistency = &Consistency{}
			return consumeMessage(typ, b, x.Consistency)
		}
		return 0, nil
	})
}

func (x *UpdateResponse) appendTo(b []byte) []byte {
	if x.TreeHead != nil {
		b = appendMessage(b, 1, x.TreeHead)
	}
	b = appendBytes(b, 2, x.VrfProof)
	if x.Search != nil {
		b = appendMessage(b, 3, x.Search)
	}
	return appendBytes(b, 4, x.Opening)
}

func (x *UpdateResponse) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *UpdateResponse) Unmarshal(b []byte) error {
	*x = UpdateResponse{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			x.TreeHead = &FullTreeHead{}
			return consumeMessage(typ, b, x.TreeHead)
		case 2:
			return consumeBytes(typ, b, &x.VrfProof)
		case 3:
			x.Search = &SearchProof{}
			return consumeMessage(typ, b, x.Search)
		case 4:
			return consumeBytes(typ, b, &x.Opening)
		}
		return 0, nil
	})
}

func (x *MonitorKey) appendTo(b []byte) []byte {
	b = appendBytes(b, 1, x.SearchKey)
	b = appendVarint(b, 2, x.EntryPosition)
	return appendBytes(b, 3, x.CommitmentIndex)
}

func (x *MonitorKey) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *MonitorKey) Unmarshal(b []byte) error {
	*x = MonitorKey{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &x.SearchKey)
		case 2:
			return consumeVarint(typ, b, &x.EntryPosition)
		case 3:
			return consumeBytes(typ, b, &x.CommitmentIndex)
		}
		return 0, nil
	})
}

func (x *MonitorRequest) appendTo(b []byte) []byte {
	for _, key := range x.Keys {
		b = appendMessage(b, 1, key)
	}
	if x.Consistency != nil {
		b = appendMessage(b, 2, x.Consistency)
	}
	return b
}

func (x *MonitorRequest) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *MonitorRequest) Unmarshal(b []byte) error {
	*x = MonitorRequest{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			key := &MonitorKey{}
			x.Keys = append(x.Keys, key)
			return consumeMessage(typ, b, key)
		case 2:
			x.Consistency = &Consistency{}
			return consumeMessage(typ, b, x.Consistency)
		}
		return 0, nil
	})
}

func (x *MonitorProof) appendTo(b []byte) []byte {
	for _, step := range x.Steps {
		b = appendMessage(b, 1, step)
	}
	return b
}

func (x *MonitorProof) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *MonitorProof) Unmarshal(b []byte) error {
	*x = MonitorProof{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			step := &ProofStep{}
			x.Steps = append(x.Steps, step)
			return consumeMessage(typ, b, step)
		}
		return 0, nil
	})
}

func (x *MonitorResponse) appendTo(b []byte) []byte {
	if x.TreeHead != nil {
		b = appendMessage(b, 1, x.TreeHead)
	}
	for _, proof := range x.Proofs {
		b = appendMessage(b, 2, proof)
	}
	return appendRepeatedBytes(b, 3, x.Inclusion)
}

func (x *MonitorResponse) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *MonitorResponse) Unmarshal(b []byte) error {
	*x = MonitorResponse{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			x.TreeHead = &FullTreeHead{}
			return consumeMessage(typ, b, x.TreeHead)
		case 2:
			proof := &MonitorProof{}
			x.Proofs = append(x.Proofs, proof)
			return consumeMessage(typ, b, proof)
		case 3:
			return consumeRepeatedBytes(typ, b, &x.Inclusion)
		}
		return 0, nil
	})
}

func (x *DistinguishedRequest) appendTo(b []byte) []byte {
	return appendOptionalVarint(b, 1, x.Last)
}

func (x *DistinguishedRequest) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *DistinguishedRequest) Unmarshal(b []byte) error {
	*x = DistinguishedRequest{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeOptionalVarint(typ, b, &x.Last)
		}
		return 0, nil
	})
}

func (x *DistinguishedResponse) appendTo(b []byte) []byte {
	if x.TreeHead != nil {
		b = appendMessage(b, 1, x.TreeHead)
	}
	if x.Distinguished != nil {
		b = appendMessage(b, 2, x.Distinguished)
	}
	return b
}

func (x *DistinguishedResponse) Marshal() ([]byte, error) { return x.appendTo(nil), nil }

func (x *DistinguishedResponse) Unmarshal(b []byte) error {
	*x = DistinguishedResponse{}
	return parse(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			x.TreeHead = &FullTreeHead{}
			return consumeMessage(typ, b, x.TreeHead)
		case 2:
			x.Distinguished = &CondensedSearchResponse{}
			return consumeMessage(typ, b, x.Distinguished)
		}
		return 0, nil
	})
}
