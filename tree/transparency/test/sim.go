//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package test implements an in-memory key transparency service that
// produces the responses the verifier checks. It is used by tests and by the
// kt-sim command.
package test

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/signalapp/keytrans/crypto/commitments"
	"github.com/signalapp/keytrans/crypto/vrf"
	edvrf "github.com/signalapp/keytrans/crypto/vrf/ed25519"
	logtree "github.com/signalapp/keytrans/tree/log"
	"github.com/signalapp/keytrans/tree/prefix"
	"github.com/signalapp/keytrans/tree/transparency"
	"github.com/signalapp/keytrans/tree/transparency/math"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

// ErrNotFound is returned when a search key has never been updated.
var ErrNotFound = errors.New("search key not found")

func random() []byte {
	out := make([]byte, commitments.NonceSize)
	if _, err := rand.Read(out); err != nil {
		panic(err)
	}
	return out
}

// Keys are the private keys of a simulated service and its auditors.
type Keys struct {
	Sig      ed25519.PrivateKey
	Vrf      vrf.PrivateKey
	Auditors []ed25519.PrivateKey
}

// GenerateKeys returns fresh keys with the given number of auditors.
func GenerateKeys(auditors int) (*Keys, error) {
	_, sig, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	vrfKey, _, err := edvrf.GenerateKey()
	if err != nil {
		return nil, err
	}
	keys := &Keys{Sig: sig, Vrf: vrfKey}
	for range auditors {
		_, key, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		keys.Auditors = append(keys.Auditors, key)
	}
	return keys, nil
}

// Config controls the behavior of a simulated log.
type Config struct {
	Mode transparency.DeploymentMode
	// Keys are generated if nil. Two logs with the same keys and different
	// contents are a service that equivocates.
	Keys *Keys
	// Auditors is the number of auditors generated in third-party auditing
	// mode when Keys is nil. It defaults to one.
	Auditors int
	// AutoAudit has every auditor sign each new tree head.
	AutoAudit bool
	// DisclosePath includes the path to the search key in prefix proofs.
	DisclosePath bool
	Clock        func() time.Time
}

type auditor struct {
	name string
	key  ed25519.PrivateKey
	head *wire.AuditorTreeHead
}

type entry struct {
	searchKey  []byte
	commitment []byte
	opening    []byte
	value      []byte
}

// Log is an in-memory key transparency service.
type Log struct {
	mu sync.Mutex

	config   Config
	keys     *Keys
	public   *transparency.PublicConfig
	auditors []*auditor

	log        *logtree.Tree
	prefix     *prefix.Tree
	entries    []*entry
	timestamps []int64
	keyed      map[string]bool
}

// New returns an empty log.
func New(config Config) (*Log, error) {
	if config.Mode == 0 {
		config.Mode = transparency.ContactMonitoring
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	keys := config.Keys
	if keys == nil {
		n := 0
		if config.Mode == transparency.ThirdPartyAuditing {
			n = max(config.Auditors, 1)
		}
		var err error
		if keys, err = GenerateKeys(n); err != nil {
			return nil, err
		}
	}

	prefixTree, err := prefix.NewTree(random())
	if err != nil {
		return nil, err
	}
	l := &Log{
		config: config,
		keys:   keys,
		public: &transparency.PublicConfig{
			Mode:   config.Mode,
			SigKey: keys.Sig.Public().(ed25519.PublicKey),
			VrfKey: keys.Vrf.Public(),
		},
		log:    logtree.NewTree(),
		prefix: prefixTree,
		keyed:  make(map[string]bool),
	}
	if config.Mode == transparency.ThirdPartyAuditing {
		l.public.AuditorKeys = make(map[string]ed25519.PublicKey)
		for i, key := range keys.Auditors {
			name := fmt.Sprintf("auditor-%d", i+1)
			l.auditors = append(l.auditors, &auditor{name: name, key: key})
			l.public.AuditorKeys[name] = key.Public().(ed25519.PublicKey)
		}
	}
	if err := l.public.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) Keys() *Keys { return l.keys }

// PublicConfig returns the configuration a client needs to verify the log.
func (l *Log) PublicConfig() *transparency.PublicConfig { return l.public }

// Size returns the number of entries in the log.
func (l *Log) Size() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.entries))
}

// insert adds an entry to the log. The caller holds the lock.
func (l *Log) insert(index []byte, e *entry) error {
	prefixRoot, _, err := l.prefix.Insert(index)
	if err != nil {
		return err
	} else if _, err := l.log.Append(transparency.LeafHash(prefixRoot, e.commitment)); err != nil {
		return err
	}
	l.entries = append(l.entries, e)

	ts := l.config.Clock().UnixMilli()
	if n := len(l.timestamps); n > 0 {
		ts = max(ts, l.timestamps[n-1])
	}
	l.timestamps = append(l.timestamps, ts)

	if l.config.AutoAudit {
		return l.audit()
	}
	return nil
}

func (l *Log) update(searchKey, value []byte) error {
	index, _ := l.keys.Vrf.ECVRFProve(searchKey)
	data, err := transparency.MarshalUpdateValue(value)
	if err != nil {
		return err
	}
	opening := random()
	commitment, err := commitments.Commit(searchKey, data, opening)
	if err != nil {
		return err
	}
	e := &entry{searchKey: slices.Clone(searchKey), commitment: commitment, opening: opening, value: slices.Clone(value)}
	if err := l.insert(index[:], e); err != nil {
		return err
	}
	l.keyed[string(searchKey)] = true
	return nil
}

// Update sets the value of a search key and returns the proof that the new
// value is the latest one in the log.
func (l *Log) Update(searchKey, value []byte, consistency *wire.Consistency) (*wire.UpdateResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.update(searchKey, value); err != nil {
		return nil, err
	}
	treeSize := uint64(len(l.entries))
	vrfProof, search, e, err := l.search(searchKey, treeSize)
	if err != nil {
		return nil, err
	}
	fth, err := l.fullTreeHead(consistency, treeSize)
	if err != nil {
		return nil, err
	}
	return &wire.UpdateResponse{TreeHead: fth, VrfProof: vrfProof, Search: search, Opening: e.opening}, nil
}

// UpdateDistinguished sets the value of the distinguished key.
func (l *Log) UpdateDistinguished(value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.update(transparency.DistinguishedSearchKey, value)
}

// UpdateFake adds n entries that update random indices, which no search key
// maps to.
func (l *Log) UpdateFake(n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for range n {
		index := make([]byte, prefix.IndexLength)
		if _, err := rand.Read(index); err != nil {
			return err
		}
		commitment, err := commitments.Commit(nil, random(), random())
		if err != nil {
			return err
		} else if err := l.insert(index, &entry{commitment: commitment}); err != nil {
			return err
		}
	}
	return nil
}

// Audit has every auditor sign the current tree head.
func (l *Log) Audit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.audit()
}

func (l *Log) audit() error {
	treeSize := uint64(len(l.entries))
	if treeSize == 0 {
		return errors.New("can not audit an empty log")
	}
	root, err := l.log.Root(treeSize)
	if err != nil {
		return err
	}
	for _, a := range l.auditors {
		ts := l.config.Clock().UnixMilli()
		sig, err := transparency.SignAuditorTreeHead(a.key, l.public, treeSize, ts, root)
		if err != nil {
			return err
		}
		a.head = &wire.AuditorTreeHead{TreeSize: treeSize, Timestamp: ts, Signature: sig}
	}
	return nil
}

// pathBits discloses the path to index from the root of a prefix tree.
func pathBits(index []byte) []byte {
	out := make([]byte, 8*len(index))
	for i := range out {
		out[i] = (index[i/8] >> (7 - i%8)) & 1
	}
	return out
}

// step returns the proof for index in the prefix tree of log entry id, along
// with the entry's commitment.
func (l *Log) step(index []byte, id uint64) (*wire.ProofStep, error) {
	res, err := l.prefix.Search(id+1, index)
	if err != nil {
		return nil, fmt.Errorf("log entry %d: %w", id, err)
	}
	step := &wire.ProofStep{
		Prefix:     &wire.PrefixProof{Proof: res.Proof, Counter: res.Counter},
		Commitment: slices.Clone(l.entries[id].commitment),
	}
	if l.config.DisclosePath {
		step.Prefix.Path = pathBits(index)
	}
	return step, nil
}

// search returns the proof of the latest version of searchKey in the log of
// the given size. The caller holds the lock.
func (l *Log) search(searchKey []byte, treeSize uint64) ([]byte, *wire.SearchProof, *entry, error) {
	if !l.keyed[string(searchKey)] {
		return nil, nil, nil, ErrNotFound
	}
	index, vrfProof := l.keys.Vrf.ECVRFProve(searchKey)
	res, err := l.prefix.Search(treeSize, index[:])
	if errors.Is(err, prefix.ErrNotFound) {
		return nil, nil, nil, ErrNotFound
	} else if err != nil {
		return nil, nil, nil, err
	}

	ids, err := transparency.SearchPath(res.FirstUpdatePosition, res.LatestUpdatePosition, treeSize)
	if err != nil {
		return nil, nil, nil, err
	}
	search := &wire.SearchProof{Pos: res.FirstUpdatePosition}
	for _, id := range ids {
		step, err := l.step(index[:], id)
		if err != nil {
			return nil, nil, nil, err
		}
		search.Steps = append(search.Steps, step)
	}
	if search.Inclusion, err = l.log.GetBatchProof(slices.Sorted(slices.Values(ids)), treeSize); err != nil {
		return nil, nil, nil, err
	}
	return vrfProof, search, l.entries[res.LatestUpdatePosition], nil
}

func (l *Log) condensed(searchKey []byte, treeSize uint64) (*wire.CondensedSearchResponse, error) {
	vrfProof, search, e, err := l.search(searchKey, treeSize)
	if err != nil {
		return nil, err
	}
	return &wire.CondensedSearchResponse{
		VrfProof: vrfProof,
		Search:   search,
		Opening:  e.opening,
		Value:    &wire.UpdateValue{Value: slices.Clone(e.value)},
	}, nil
}

// fullTreeHead returns the signed tree head of the given size, with the
// consistency proofs asked for. The caller holds the lock.
func (l *Log) fullTreeHead(consistency *wire.Consistency, treeSize uint64) (*wire.FullTreeHead, error) {
	root, err := l.log.Root(treeSize)
	if err != nil {
		return nil, err
	}
	ts := l.timestamps[treeSize-1]
	fth := &wire.FullTreeHead{TreeHead: &wire.TreeHead{TreeSize: treeSize, Timestamp: ts}}

	if consistency == nil {
		consistency = &wire.Consistency{}
	}
	for _, c := range []struct {
		last *uint64
		dst  *[][]byte
	}{
		{consistency.Last, &fth.Last},
		{consistency.Distinguished, &fth.Distinguished},
	} {
		if c.last == nil {
			continue
		} else if *c.last > treeSize {
			return nil, fmt.Errorf("tree size %d is past the end of the log", *c.last)
		}
		if *c.dst, err = l.log.GetConsistencyProof(*c.last, treeSize); err != nil {
			return nil, err
		}
	}

	if l.config.Mode != transparency.ThirdPartyAuditing {
		sig, err := transparency.SignTreeHead(l.keys.Sig, l.public, nil, treeSize, ts, root)
		if err != nil {
			return nil, err
		}
		fth.TreeHead.Signatures = []*wire.Signature{{Signature: sig}}
		return fth, nil
	}

	for _, a := range l.auditors {
		pub := a.key.Public().(ed25519.PublicKey)
		sig, err := transparency.SignTreeHead(l.keys.Sig, l.public, pub, treeSize, ts, root)
		if err != nil {
			return nil, err
		}
		fth.TreeHead.Signatures = append(fth.TreeHead.Signatures, &wire.Signature{AuditorPublicKey: pub, Signature: sig})

		if a.head == nil || a.head.TreeSize > treeSize {
			continue
		}
		fath := &wire.FullAuditorTreeHead{TreeHead: a.head, PublicKey: pub}
		if a.head.TreeSize < treeSize {
			if fath.RootValue, err = l.log.Root(a.head.TreeSize); err != nil {
				return nil, err
			} else if fath.Consistency, err = l.log.GetConsistencyProof(a.head.TreeSize, treeSize); err != nil {
				return nil, err
			}
		}
		fth.FullAuditorTreeHeads = append(fth.FullAuditorTreeHeads, fath)
	}
	return fth, nil
}

// Search looks up the latest version of each identifier of the request.
// The ACI must exist; the other identifiers are left out of the response if
// they do not.
func (l *Log) Search(req *wire.SearchRequest) (*wire.SearchResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	treeSize := uint64(len(l.entries))
	if treeSize == 0 {
		return nil, ErrNotFound
	}
	aci, err := l.condensed(transparency.AciSearchKey(req.Aci), treeSize)
	if err != nil {
		return nil, err
	}
	res := &wire.SearchResponse{Aci: aci}
	for _, opt := range []struct {
		id  []byte
		key func([]byte) []byte
		dst **wire.CondensedSearchResponse
	}{
		{req.E164, transparency.E164SearchKey, &res.E164},
		{req.UsernameHash, transparency.UsernameHashSearchKey, &res.UsernameHash},
	} {
		if opt.id == nil {
			continue
		}
		csr, err := l.condensed(opt.key(opt.id), treeSize)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		*opt.dst = csr
	}

	if res.TreeHead, err = l.fullTreeHead(req.Consistency, treeSize); err != nil {
		return nil, err
	}
	return res, nil
}

// Monitor returns the proofs that each key of the request has not been
// updated past the version the client knows of, other than through entries
// on the key's monitoring path.
func (l *Log) Monitor(req *wire.MonitorRequest) (*wire.MonitorResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	treeSize := uint64(len(l.entries))
	if treeSize == 0 {
		return nil, ErrNotFound
	}
	res := &wire.MonitorResponse{}
	seen := make(map[uint64]struct{})
	for _, key := range req.Keys {
		index, _ := l.keys.Vrf.ECVRFProve(key.SearchKey)
		if !slices.Equal(index[:], key.CommitmentIndex) {
			return nil, errors.New("commitment index does not match search key")
		} else if key.EntryPosition >= treeSize {
			return nil, fmt.Errorf("entry position %d is past the end of the log", key.EntryPosition)
		}
		found, err := l.prefix.Search(treeSize, index[:])
		if errors.Is(err, prefix.ErrNotFound) {
			return nil, ErrNotFound
		} else if err != nil {
			return nil, err
		}

		proof := &wire.MonitorProof{}
		for _, id := range math.FullMonitoringPath(key.EntryPosition, found.FirstUpdatePosition, treeSize) {
			step, err := l.step(index[:], id)
			if err != nil {
				return nil, err
			}
			proof.Steps = append(proof.Steps, step)
			seen[id] = struct{}{}
		}
		res.Proofs = append(res.Proofs, proof)
	}

	if len(seen) > 0 {
		ids := make([]uint64, 0, len(seen))
		for id := range seen {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		var err error
		if res.Inclusion, err = l.log.GetBatchProof(ids, treeSize); err != nil {
			return nil, err
		}
	}

	var err error
	if res.TreeHead, err = l.fullTreeHead(req.Consistency, treeSize); err != nil {
		return nil, err
	}
	return res, nil
}

// Distinguished returns the latest version of the distinguished key.
func (l *Log) Distinguished(req *wire.DistinguishedRequest) (*wire.DistinguishedResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	treeSize := uint64(len(l.entries))
	if treeSize == 0 {
		return nil, ErrNotFound
	}
	csr, err := l.condensed(transparency.DistinguishedSearchKey, treeSize)
	if err != nil {
		return nil, err
	}
	fth, err := l.fullTreeHead(&wire.Consistency{Last: req.Last}, treeSize)
	if err != nil {
		return nil, err
	}
	return &wire.DistinguishedResponse{TreeHead: fth, Distinguished: csr}, nil
}
