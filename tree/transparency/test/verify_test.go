//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/signalapp/keytrans/tree/transparency"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

func expectKind(t *testing.T, err error, kind transparency.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error", kind)
	} else if got := transparency.KindOf(err); got != kind {
		t.Fatalf("expected %v error, got %v: %v", kind, got, err)
	}
}

func hashValue(b byte) []byte { return bytes.Repeat([]byte{b}, 32) }

func TestVerifySearch(t *testing.T) {
	tree, v := NewTree(t, transparency.ContactMonitoring)
	ctx := context.Background()

	// Populate tree with some random data, and leave the last entry
	// unverified so that the response carries a consistency proof.
	temp, err := RandomTree(tree, v, 10, []int{4}, nil, transparency.Monitored{})
	if err != nil {
		t.Fatal(err)
	} else if err := tree.UpdateFake(1); err != nil {
		t.Fatal(err)
	}
	aci := temp[0]

	// Produce a valid search result for aci.
	req := &wire.SearchRequest{Aci: aci, Consistency: v.Consistency()}
	res, err := tree.Search(req)
	if err != nil {
		t.Fatal(err)
	}
	search := func() error {
		_, err := v.VerifySearch(ctx, req, res, nil)
		return err
	}

	// Check that changing any part of the proof causes verification to fail.
	res.TreeHead.TreeHead.TreeSize += 1
	if err := search(); err == nil {
		t.Fatal("expected error")
	}
	res.TreeHead.TreeHead.TreeSize -= 1

	res.TreeHead.TreeHead.Timestamp += 1
	expectKind(t, search(), transparency.KindSignatureInvalid)
	res.TreeHead.TreeHead.Timestamp -= 1

	res.TreeHead.TreeHead.Signatures[0].Signature[0] ^= 1
	expectKind(t, search(), transparency.KindSignatureInvalid)
	res.TreeHead.TreeHead.Signatures[0].Signature[0] ^= 1

	consistency := res.TreeHead.Last
	res.TreeHead.Last = [][]byte{hashValue(1)}
	expectKind(t, search(), transparency.KindConsistencyProofInvalid)
	res.TreeHead.Last = consistency

	res.Aci.VrfProof[0] ^= 1
	expectKind(t, search(), transparency.KindSearchProofInvalid)
	res.Aci.VrfProof[0] ^= 1

	res.Aci.Search.Pos += 1
	expectKind(t, search(), transparency.KindSearchProofInvalid)
	res.Aci.Search.Pos -= 1

	res.Aci.Search.Steps[0].Commitment[0] ^= 1
	expectKind(t, search(), transparency.KindSearchProofInvalid)
	res.Aci.Search.Steps[0].Commitment[0] ^= 1

	res.Aci.Search.Steps[0].Prefix.Counter += 1
	expectKind(t, search(), transparency.KindSearchProofInvalid)
	res.Aci.Search.Steps[0].Prefix.Counter -= 1

	res.Aci.Search.Steps[0].Prefix.Proof[0][0] ^= 1
	expectKind(t, search(), transparency.KindSearchProofInvalid)
	res.Aci.Search.Steps[0].Prefix.Proof[0][0] ^= 1

	res.Aci.Search.Inclusion[0][0] ^= 1
	expectKind(t, search(), transparency.KindSearchProofInvalid)
	res.Aci.Search.Inclusion[0][0] ^= 1

	res.Aci.Opening[0] ^= 1
	expectKind(t, search(), transparency.KindSearchProofInvalid)
	res.Aci.Opening[0] ^= 1

	res.Aci.Value.Value[0] ^= 1
	expectKind(t, search(), transparency.KindSearchProofInvalid)
	res.Aci.Value.Value[0] ^= 1

	req.Aci[0] ^= 1
	expectKind(t, search(), transparency.KindSearchProofInvalid)
	req.Aci[0] ^= 1

	steps := res.Aci.Search.Steps
	res.Aci.Search.Steps = steps[:len(steps)-1]
	expectKind(t, search(), transparency.KindSearchProofInvalid)
	res.Aci.Search.Steps = steps

	// None of the failures changed the verified state.
	if v.State(transparency.MainLog).Load().TreeSize == tree.Size() {
		t.Fatal("state advanced by a failed verification")
	}

	// Check that unmodified proof verifies.
	out, err := v.VerifySearch(ctx, req, res, nil)
	if err != nil {
		t.Fatal(err)
	} else if out.State.TreeSize != tree.Size() {
		t.Fatalf("state has size %d, expected %d", out.State.TreeSize, tree.Size())
	} else if out.Aci.Position != 4 || out.Aci.Counter != 0 {
		t.Fatalf("unexpected search result: position=%d counter=%d", out.Aci.Position, out.Aci.Counter)
	}
}

func TestSearchFirstContact(t *testing.T) {
	tree, _ := NewTree(t, transparency.ContactMonitoring)
	aci := random()
	if _, err := tree.Update(transparency.AciSearchKey(aci), random(), nil); err != nil {
		t.Fatal(err)
	} else if err := tree.UpdateFake(5); err != nil {
		t.Fatal(err)
	}

	v, err := transparency.NewVerifier(context.Background(), tree.PublicConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	req := &wire.SearchRequest{Aci: aci, Consistency: v.Consistency()}
	res, err := tree.Search(req)
	if err != nil {
		t.Fatal(err)
	}

	// Without a previously verified root, a proof that leads to the wrong
	// root can not be told apart from a tree head signed over it.
	res.Aci.Search.Inclusion[0][0] ^= 1
	_, err = v.VerifySearch(context.Background(), req, res, nil)
	expectKind(t, err, transparency.KindSignatureInvalid)
	res.Aci.Search.Inclusion[0][0] ^= 1

	// A consistency proof is not expected on first contact.
	res.TreeHead.Last = [][]byte{hashValue(2)}
	_, err = v.VerifySearch(context.Background(), req, res, nil)
	expectKind(t, err, transparency.KindMalformedProof)
	res.TreeHead.Last = nil

	if _, err := v.VerifySearch(context.Background(), req, res, nil); err != nil {
		t.Fatal(err)
	}
}

func TestSearchUpdatesMonitoringData(t *testing.T) {
	tree, v := NewTree(t, transparency.ContactMonitoring)
	monitored := transparency.Monitored{}

	// Populate tree with some random data.
	temp, err := RandomTree(tree, v, 10, []int{4}, nil, monitored)
	if err != nil {
		t.Fatal(err)
	}
	aci := temp[0]
	key := transparency.AciSearchKey(aci)

	// Check that monitoring data is as expected.
	if data := monitored[string(key)]; data == nil || !data.Owned {
		t.Fatal("monitoring data not as expected")
	} else if ctr, ok := data.Ptrs[4]; len(data.Ptrs) != 1 || !ok || ctr != 0 {
		t.Fatal("monitoring data not as expected")
	}

	// Search for aci.
	req := &wire.SearchRequest{Aci: aci, Consistency: v.Consistency()}
	res, err := tree.Search(req)
	if err != nil {
		t.Fatal(err)
	}
	out, err := v.VerifySearch(context.Background(), req, res, monitored)
	if err != nil {
		t.Fatal(err)
	}

	// Check that monitoring data is as expected.
	data := out.Aci.Monitoring
	if ctr, ok := data.Ptrs[7]; len(data.Ptrs) != 1 || !ok || ctr != 0 {
		t.Fatalf("monitoring data not as expected: %v", data.Ptrs)
	} else if !data.Owned {
		t.Fatal("ownership of key was lost")
	}
}

func TestVerifyMonitor(t *testing.T) {
	tree, v := NewTree(t, transparency.ContactMonitoring)
	ctx := context.Background()
	monitored := transparency.Monitored{}

	temp, err := RandomTree(tree, v, 10, []int{2, 6}, nil, monitored)
	if err != nil {
		t.Fatal(err)
	} else if err := tree.UpdateFake(25); err != nil {
		t.Fatal(err)
	}
	keys := [][]byte{transparency.AciSearchKey(temp[0]), transparency.AciSearchKey(temp[1])}

	req, data := MonitorRequest(v, monitored, keys...)
	res, err := tree.Monitor(req)
	if err != nil {
		t.Fatal(err)
	}
	monitor := func() error {
		_, err := v.VerifyMonitor(ctx, req, res, data)
		return err
	}

	res.Proofs[0].Steps[0].Commitment[0] ^= 1
	expectKind(t, monitor(), transparency.KindMonitorProofInvalid)
	res.Proofs[0].Steps[0].Commitment[0] ^= 1

	res.Proofs[1].Steps[0].Prefix.Counter += 1
	expectKind(t, monitor(), transparency.KindMonitorProofInvalid)
	res.Proofs[1].Steps[0].Prefix.Counter -= 1

	res.Proofs[0].Steps[0].Prefix.Proof[3][0] ^= 1
	expectKind(t, monitor(), transparency.KindMonitorProofInvalid)
	res.Proofs[0].Steps[0].Prefix.Proof[3][0] ^= 1

	res.Inclusion[0][0] ^= 1
	expectKind(t, monitor(), transparency.KindMonitorProofInvalid)
	res.Inclusion[0][0] ^= 1

	steps := res.Proofs[1].Steps
	res.Proofs[1].Steps = steps[1:]
	expectKind(t, monitor(), transparency.KindMonitorProofInvalid)
	res.Proofs[1].Steps = steps

	proofs := res.Proofs
	res.Proofs = proofs[:1]
	expectKind(t, monitor(), transparency.KindMalformedProof)
	res.Proofs = proofs

	req.Keys[0].CommitmentIndex[0] ^= 1
	expectKind(t, monitor(), transparency.KindMalformedProof)
	req.Keys[0].CommitmentIndex[0] ^= 1

	out, err := v.VerifyMonitor(ctx, req, res, data)
	if err != nil {
		t.Fatal(err)
	}
	for i, md := range out {
		if md.Latest() <= data[i].Latest() {
			t.Fatalf("monitoring data of key %d did not advance", i)
		}
		monitored[string(keys[i])] = md
	}

	// Monitoring again without the log growing verifies against the same
	// tree head.
	req, data = MonitorRequest(v, monitored, keys...)
	if res, err = tree.Monitor(req); err != nil {
		t.Fatal(err)
	} else if _, err := v.VerifyMonitor(ctx, req, res, data); err != nil {
		t.Fatal(err)
	}
}

func TestMonitorDetectsRewrittenEntry(t *testing.T) {
	keys, err := GenerateKeys(0)
	if err != nil {
		t.Fatal(err)
	}
	honest, err := New(Config{Keys: keys})
	if err != nil {
		t.Fatal(err)
	}
	v, err := transparency.NewVerifier(context.Background(), honest.PublicConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	monitored := transparency.Monitored{}
	temp, err := RandomTree(honest, v, 8, []int{3}, nil, monitored)
	if err != nil {
		t.Fatal(err)
	} else if err := honest.UpdateFake(12); err != nil {
		t.Fatal(err)
	}
	key := transparency.AciSearchKey(temp[0])

	// A proof for the key's position that does not match what was
	// previously seen there is rejected when checked against the new head.
	req, data := MonitorRequest(v, monitored, key)
	res, err := honest.Monitor(req)
	if err != nil {
		t.Fatal(err)
	}
	for _, step := range res.Proofs[0].Steps {
		step.Commitment = hashValue(3)
	}
	_, err = v.VerifyMonitor(context.Background(), req, res, data)
	expectKind(t, err, transparency.KindMonitorProofInvalid)
}

func TestMonitorDetectsLowerCounter(t *testing.T) {
	tree, v := NewTree(t, transparency.ContactMonitoring)
	ctx := context.Background()
	monitored := transparency.Monitored{}
	temp, err := RandomTree(tree, v, 8, []int{3}, nil, monitored)
	if err != nil {
		t.Fatal(err)
	} else if err := tree.UpdateFake(12); err != nil {
		t.Fatal(err)
	}
	key := transparency.AciSearchKey(temp[0])
	before := v.State(transparency.MainLog).Load()

	// The response is honest and signed, but the key's checkpoints show a
	// lower counter than the version recorded at its position.
	req, data := MonitorRequest(v, monitored, key)
	res, err := tree.Monitor(req)
	if err != nil {
		t.Fatal(err)
	}
	recorded := data[0].Clone()
	recorded.Ptrs[req.Keys[0].EntryPosition] = 3
	_, err = v.VerifyMonitor(ctx, req, res, []*transparency.MonitoringData{recorded})
	expectKind(t, err, transparency.KindMonitorProofInvalid)
	if !strings.Contains(err.Error(), "unexpectedly low counter") {
		t.Fatalf("unexpected error: %v", err)
	} else if v.State(transparency.MainLog).Load() != before {
		t.Fatal("state advanced by a failed verification")
	}

	out, err := v.VerifyMonitor(ctx, req, res, data)
	if err != nil {
		t.Fatal(err)
	} else if ctr := out[0].Ptrs[out[0].Latest()]; ctr != 0 {
		t.Fatalf("unexpected counter %d", ctr)
	}
}

func TestSecondarySearches(t *testing.T) {
	tree, v := NewTree(t, transparency.ContactMonitoring)
	ctx := context.Background()

	aci, e164, username := random(), []byte("+14155550100"), random()
	for _, key := range [][]byte{transparency.AciSearchKey(aci), transparency.E164SearchKey(e164)} {
		if _, err := tree.Update(key, random(), nil); err != nil {
			t.Fatal(err)
		}
	}

	// The username hash was never set, so it is left out of the response.
	req := &wire.SearchRequest{Aci: aci, E164: e164, UsernameHash: username, Consistency: v.Consistency()}
	res, err := tree.Search(req)
	if err != nil {
		t.Fatal(err)
	} else if res.E164 == nil || res.UsernameHash != nil {
		t.Fatal("unexpected secondary results")
	}
	out, err := v.VerifySearch(ctx, req, res, nil)
	if err != nil {
		t.Fatal(err)
	} else if out.E164 == nil || out.UsernameHash != nil {
		t.Fatal("unexpected secondary results")
	} else if !bytes.Equal(out.E164.SearchKey, transparency.E164SearchKey(e164)) {
		t.Fatal("unexpected search key")
	}

	// A secondary result that was not requested is rejected.
	unrequested := &wire.SearchRequest{Aci: aci, Consistency: v.Consistency()}
	_, err = v.VerifySearch(ctx, unrequested, res, nil)
	expectKind(t, err, transparency.KindMalformedProof)

	// Secondary results must prove the same tree head.
	if err := tree.UpdateFake(3); err != nil {
		t.Fatal(err)
	}
	req.Consistency = v.Consistency()
	newer, err := tree.Search(req)
	if err != nil {
		t.Fatal(err)
	}
	newer.E164 = res.E164
	_, err = v.VerifySearch(ctx, req, newer, nil)
	expectKind(t, err, transparency.KindSearchProofInvalid)
}

func TestDisclosedPath(t *testing.T) {
	tree, err := New(Config{DisclosePath: true})
	if err != nil {
		t.Fatal(err)
	}
	v, err := transparency.NewVerifier(context.Background(), tree.PublicConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	aci := []byte("alice")
	if _, err := tree.Update(transparency.AciSearchKey(aci), random(), nil); err != nil {
		t.Fatal(err)
	} else if err := tree.UpdateFake(4); err != nil {
		t.Fatal(err)
	}

	req := &wire.SearchRequest{Aci: aci}
	res, err := tree.Search(req)
	if err != nil {
		t.Fatal(err)
	}
	for level := range 4 {
		res.Aci.Search.Steps[0].Prefix.Path[level] ^= 1
		_, err := v.VerifySearch(context.Background(), req, res, nil)
		expectKind(t, err, transparency.KindSearchProofInvalid)
		res.Aci.Search.Steps[0].Prefix.Path[level] ^= 1
	}
	if _, err := v.VerifySearch(context.Background(), req, res, nil); err != nil {
		t.Fatal(err)
	}
}
