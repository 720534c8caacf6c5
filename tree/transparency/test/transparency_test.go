//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package test

import (
	"bytes"
	"context"
	"errors"
	mrand "math/rand"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalapp/keytrans/tree/transparency"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

func TestTree(t *testing.T) {
	tree, v := NewTree(t, transparency.ContactMonitoring)
	ctx := context.Background()

	var (
		acis   [][]byte
		values [][]byte
	)

	for i := 0; i < 100; i++ {
		dice := mrand.Intn(4)

		if i == 0 || dice == 0 {
			aci, value := random(), random()
			req := &wire.UpdateRequest{SearchKey: transparency.AciSearchKey(aci), Value: value, Consistency: v.Consistency()}
			res, err := tree.Update(req.SearchKey, req.Value, req.Consistency)
			if err != nil {
				t.Fatal(err)
			} else if _, err := v.VerifyUpdate(ctx, req, res, nil); err != nil {
				t.Fatal(err)
			}
			acis = append(acis, aci)
			values = append(values, value)
		} else if dice == 1 {
			j := mrand.Intn(len(acis))
			value := random()
			req := &wire.UpdateRequest{SearchKey: transparency.AciSearchKey(acis[j]), Value: value, Consistency: v.Consistency()}
			res, err := tree.Update(req.SearchKey, req.Value, req.Consistency)
			if err != nil {
				t.Fatal(err)
			} else if _, err := v.VerifyUpdate(ctx, req, res, nil); err != nil {
				t.Fatal(err)
			}
			values[j] = value
		} else if dice == 2 {
			if err := tree.UpdateFake(1 + mrand.Intn(3)); err != nil {
				t.Fatal(err)
			}
		} else {
			j := mrand.Intn(len(acis))
			req := &wire.SearchRequest{Aci: acis[j], Consistency: v.Consistency()}
			res, err := tree.Search(req)
			if err != nil {
				t.Fatal(err)
			}
			out, err := v.VerifySearch(ctx, req, res, nil)
			if err != nil {
				t.Fatal(err)
			} else if !bytes.Equal(out.Aci.Value, values[j]) {
				t.Fatal("unexpected value returned")
			}
		}
	}
}

func TestTreeWithAuditorHeads(t *testing.T) {
	tree, err := New(Config{Mode: transparency.ThirdPartyAuditing, Auditors: 2})
	if err != nil {
		t.Fatal(err)
	}
	v, err := transparency.NewVerifier(context.Background(), tree.PublicConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	aci, value := random(), random()
	if _, err := tree.Update(transparency.AciSearchKey(aci), value, nil); err != nil {
		t.Fatal(err)
	}

	// Without any auditor tree heads, responses are rejected.
	req := &wire.SearchRequest{Aci: aci, Consistency: v.Consistency()}
	res, err := tree.Search(req)
	if err != nil {
		t.Fatal(err)
	}
	_, err = v.VerifySearch(ctx, req, res, nil)
	expectKind(t, err, transparency.KindMalformedProof)

	// Auditors sign the current head, after which the log grows so that
	// their heads are behind the service's.
	if err := tree.Audit(); err != nil {
		t.Fatal(err)
	} else if err := tree.UpdateFake(6); err != nil {
		t.Fatal(err)
	}
	if res, err = tree.Search(req); err != nil {
		t.Fatal(err)
	} else if len(res.TreeHead.FullAuditorTreeHeads) != 2 || res.TreeHead.FullAuditorTreeHeads[0].RootValue == nil {
		t.Fatal("expected two auditor tree heads with explicit roots")
	}
	search := func() error {
		_, err := v.VerifySearch(ctx, req, res, nil)
		return err
	}

	fath := res.TreeHead.FullAuditorTreeHeads[1]
	fath.Consistency[0][0] ^= 1
	expectKind(t, search(), transparency.KindConsistencyProofInvalid)
	fath.Consistency[0][0] ^= 1

	fath.TreeHead.Signature[0] ^= 1
	expectKind(t, search(), transparency.KindSignatureInvalid)
	fath.TreeHead.Signature[0] ^= 1

	publicKey := fath.PublicKey
	fath.PublicKey = hashValue(4)
	expectKind(t, search(), transparency.KindSignatureInvalid)
	fath.PublicKey = publicKey

	fath.TreeHead.TreeSize = res.TreeHead.TreeHead.TreeSize + 1
	expectKind(t, search(), transparency.KindRollback)
	fath.TreeHead.TreeSize = 0
	expectKind(t, search(), transparency.KindMalformedProof)
	fath.TreeHead.TreeSize = 1

	heads := res.TreeHead.FullAuditorTreeHeads
	res.TreeHead.FullAuditorTreeHeads = nil
	expectKind(t, search(), transparency.KindMalformedProof)
	res.TreeHead.FullAuditorTreeHeads = heads

	sigs := res.TreeHead.TreeHead.Signatures
	res.TreeHead.TreeHead.Signatures = sigs[:1]
	if err := search(); err != nil {
		t.Fatalf("a signature for one auditor should suffice: %v", err)
	}
	res.TreeHead.TreeHead.Signatures = sigs

	out, err := v.VerifySearch(ctx, req, res, nil)
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(out.Aci.Value, value) {
		t.Fatal("unexpected value returned")
	}

	// Once audited up to the current head, no explicit root is sent.
	if err := tree.Audit(); err != nil {
		t.Fatal(err)
	}
	req.Consistency = v.Consistency()
	if res, err = tree.Search(req); err != nil {
		t.Fatal(err)
	} else if res.TreeHead.FullAuditorTreeHeads[0].RootValue != nil {
		t.Fatal("unexpected explicit root")
	} else if err := search(); err != nil {
		t.Fatal(err)
	}
}

func TestStaleTreeHead(t *testing.T) {
	tree, _ := NewTree(t, transparency.ContactMonitoring)
	aci := random()
	if _, err := tree.Update(transparency.AciSearchKey(aci), random(), nil); err != nil {
		t.Fatal(err)
	}
	req := &wire.SearchRequest{Aci: aci}
	res, err := tree.Search(req)
	if err != nil {
		t.Fatal(err)
	}

	for _, offset := range []time.Duration{48 * time.Hour, -time.Minute} {
		v, err := transparency.NewVerifier(context.Background(), tree.PublicConfig(), nil,
			transparency.WithClock(func() time.Time { return time.Now().Add(offset) }))
		if err != nil {
			t.Fatal(err)
		}
		_, err = v.VerifySearch(context.Background(), req, res, nil)
		expectKind(t, err, transparency.KindStaleTreeHead)
		if v.State(transparency.MainLog).Load() != nil {
			t.Fatal("state advanced by a stale tree head")
		}
	}
}

// forkedTrees returns two logs that share their keys, where the first has
// had more entries added than the second.
func forkedTrees(t *testing.T, aci []byte) (*Log, *Log) {
	keys, err := GenerateKeys(0)
	if err != nil {
		t.Fatal(err)
	}
	var logs []*Log
	for _, n := range []int{12, 7} {
		l, err := New(Config{Keys: keys})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := l.Update(transparency.AciSearchKey(aci), random(), nil); err != nil {
			t.Fatal(err)
		} else if err := l.UpdateFake(n); err != nil {
			t.Fatal(err)
		}
		logs = append(logs, l)
	}
	return logs[0], logs[1]
}

func TestForkDetection(t *testing.T) {
	ctx := context.Background()
	aci := random()

	t.Run("equivocation", func(t *testing.T) {
		a, b := forkedTrees(t, aci)
		if err := b.UpdateFake(int(a.Size() - b.Size())); err != nil {
			t.Fatal(err)
		}
		v, err := transparency.NewVerifier(ctx, a.PublicConfig(), nil)
		if err != nil {
			t.Fatal(err)
		}

		req := &wire.SearchRequest{Aci: aci, Consistency: v.Consistency()}
		res, err := a.Search(req)
		if err != nil {
			t.Fatal(err)
		} else if _, err := v.VerifySearch(ctx, req, res, nil); err != nil {
			t.Fatal(err)
		}

		req.Consistency = v.Consistency()
		if res, err = b.Search(req); err != nil {
			t.Fatal(err)
		}
		_, err = v.VerifySearch(ctx, req, res, nil)
		expectKind(t, err, transparency.KindEquivocation)
		var ve *transparency.VerificationError
		if !errors.As(err, &ve) || ve.Stage != transparency.StageProofsVerified {
			t.Fatalf("unexpected stage: %v", err)
		}
	})

	t.Run("rollback", func(t *testing.T) {
		a, b := forkedTrees(t, aci)
		v, err := transparency.NewVerifier(ctx, a.PublicConfig(), nil)
		if err != nil {
			t.Fatal(err)
		}

		req := &wire.SearchRequest{Aci: aci, Consistency: v.Consistency()}
		res, err := a.Search(req)
		if err != nil {
			t.Fatal(err)
		} else if _, err := v.VerifySearch(ctx, req, res, nil); err != nil {
			t.Fatal(err)
		}

		// The smaller log can not prove consistency with the reported size,
		// so it answers as if none was reported.
		if res, err = b.Search(&wire.SearchRequest{Aci: aci}); err != nil {
			t.Fatal(err)
		}
		req.Consistency = v.Consistency()
		_, err = v.VerifySearch(ctx, req, res, nil)
		expectKind(t, err, transparency.KindRollback)
		if !errors.Is(err, transparency.ErrRollback) {
			t.Fatal("error does not match its sentinel")
		}
	})

	t.Run("inconsistent growth", func(t *testing.T) {
		a, b := forkedTrees(t, aci)
		v, err := transparency.NewVerifier(ctx, b.PublicConfig(), nil)
		if err != nil {
			t.Fatal(err)
		}

		req := &wire.SearchRequest{Aci: aci, Consistency: v.Consistency()}
		res, err := b.Search(req)
		if err != nil {
			t.Fatal(err)
		} else if _, err := v.VerifySearch(ctx, req, res, nil); err != nil {
			t.Fatal(err)
		}

		req.Consistency = v.Consistency()
		if res, err = a.Search(req); err != nil {
			t.Fatal(err)
		}
		_, err = v.VerifySearch(ctx, req, res, nil)
		expectKind(t, err, transparency.KindConsistencyProofInvalid)
		if v.State(transparency.MainLog).Load().TreeSize != b.Size() {
			t.Fatal("state advanced to a forked tree head")
		}
	})
}

func TestDistinguished(t *testing.T) {
	tree, v := NewTree(t, transparency.ContactMonitoring)
	ctx := context.Background()

	if _, err := tree.Distinguished(v.DistinguishedRequest()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	aci := random()
	if _, err := tree.Update(transparency.AciSearchKey(aci), random(), nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		value := random()
		if err := tree.UpdateDistinguished(value); err != nil {
			t.Fatal(err)
		} else if err := tree.UpdateFake(4); err != nil {
			t.Fatal(err)
		}

		res, err := tree.Distinguished(v.DistinguishedRequest())
		if err != nil {
			t.Fatal(err)
		}
		out, err := v.VerifyDistinguished(ctx, v.DistinguishedRequest(), res)
		if err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(out.Value, value) {
			t.Fatal("unexpected distinguished value")
		} else if v.State(transparency.DistinguishedLog).Load().TreeSize != tree.Size() {
			t.Fatal("distinguished state did not advance")
		}
	}
	if v.State(transparency.MainLog).Load() != nil {
		t.Fatal("main state advanced by distinguished responses")
	}

	// Searches carry a consistency proof from the distinguished head.
	if err := tree.UpdateFake(3); err != nil {
		t.Fatal(err)
	}
	req := &wire.SearchRequest{Aci: aci, Consistency: v.Consistency()}
	res, err := tree.Search(req)
	if err != nil {
		t.Fatal(err)
	} else if len(res.TreeHead.Distinguished) == 0 {
		t.Fatal("expected distinguished consistency proof")
	}
	search := func() error {
		_, err := v.VerifySearch(ctx, req, res, nil)
		return err
	}

	res.TreeHead.Distinguished[0][0] ^= 1
	expectKind(t, search(), transparency.KindConsistencyProofInvalid)
	res.TreeHead.Distinguished[0][0] ^= 1

	reported := req.Consistency.Distinguished
	req.Consistency.Distinguished = nil
	expectKind(t, search(), transparency.KindMalformedProof)
	req.Consistency.Distinguished = reported

	if err := search(); err != nil {
		t.Fatal(err)
	}

	// A distinguished response must not carry a distinguished proof.
	dres, err := tree.Distinguished(v.DistinguishedRequest())
	if err != nil {
		t.Fatal(err)
	}
	dres.TreeHead.Distinguished = [][]byte{hashValue(5)}
	_, err = v.VerifyDistinguished(ctx, v.DistinguishedRequest(), dres)
	expectKind(t, err, transparency.KindMalformedProof)
}

func TestConcurrentVerification(t *testing.T) {
	tree, v := NewTree(t, transparency.ContactMonitoring)
	monitored := transparency.Monitored{}
	acis, err := RandomTree(tree, v, 20, []int{3, 9, 15}, nil, monitored)
	if err != nil {
		t.Fatal(err)
	} else if err := tree.UpdateFake(5); err != nil {
		t.Fatal(err)
	}

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 16; i++ {
		aci := acis[i%len(acis)]
		req := &wire.SearchRequest{Aci: aci, Consistency: v.Consistency()}
		res, err := tree.Search(req)
		if err != nil {
			t.Fatal(err)
		}
		g.Go(func() error {
			out, err := v.VerifySearch(ctx, req, res, monitored)
			if err != nil {
				return err
			} else if out.State.TreeSize != res.TreeHead.TreeHead.TreeSize {
				return errors.New("unexpected state")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if s := v.State(transparency.MainLog).Load(); s.TreeSize != tree.Size() {
		t.Fatalf("state has size %d, expected %d", s.TreeSize, tree.Size())
	}
}

func TestUpdateRequiresOwnValue(t *testing.T) {
	tree, v := NewTree(t, transparency.ContactMonitoring)
	ctx := context.Background()

	req := &wire.UpdateRequest{SearchKey: transparency.AciSearchKey(random()), Value: random(), Consistency: v.Consistency()}
	res, err := tree.Update(req.SearchKey, req.Value, req.Consistency)
	if err != nil {
		t.Fatal(err)
	}

	value := req.Value
	req.Value = random()
	_, err = v.VerifyUpdate(ctx, req, res, nil)
	expectKind(t, err, transparency.KindSearchProofInvalid)
	req.Value = value

	out, err := v.VerifyUpdate(ctx, req, res, nil)
	if err != nil {
		t.Fatal(err)
	} else if !out.Monitoring.Owned {
		t.Fatal("updated key is not marked as owned")
	} else if out.Position != 0 || out.FirstPosition != 0 {
		t.Fatalf("unexpected positions: %d %d", out.FirstPosition, out.Position)
	}
}

func TestOverlappingRequests(t *testing.T) {
	tree, v := NewTree(t, transparency.ContactMonitoring)
	ctx := context.Background()

	aci := random()
	if _, err := tree.Update(transparency.AciSearchKey(aci), random(), nil); err != nil {
		t.Fatal(err)
	} else if err := tree.UpdateFake(2); err != nil {
		t.Fatal(err)
	}
	search := func(req *wire.SearchRequest) (*wire.SearchResponse, error) {
		res, err := tree.Search(req)
		if err != nil {
			t.Fatal(err)
		}
		_, err = v.VerifySearch(ctx, req, res, nil)
		return res, err
	}
	if _, err := search(&wire.SearchRequest{Aci: aci, Consistency: v.Consistency()}); err != nil {
		t.Fatal(err)
	}

	// Both requests are made from the same state, and the log grows between
	// the two responses.
	pair := func() (first, second *wire.SearchRequest, firstRes, secondRes *wire.SearchResponse) {
		first = &wire.SearchRequest{Aci: aci, Consistency: v.Consistency()}
		second = &wire.SearchRequest{Aci: aci, Consistency: v.Consistency()}
		if err := tree.UpdateFake(1); err != nil {
			t.Fatal(err)
		}
		firstRes, err := tree.Search(first)
		if err != nil {
			t.Fatal(err)
		} else if err := tree.UpdateFake(3); err != nil {
			t.Fatal(err)
		}
		secondRes, err = tree.Search(second)
		if err != nil {
			t.Fatal(err)
		}
		return first, second, firstRes, secondRes
	}
	expectStale := func(err error) {
		t.Helper()
		if !errors.Is(err, transparency.ErrStaleRequest) {
			t.Fatalf("expected stale request, got %v", err)
		} else if kind := transparency.KindOf(err); kind != 0 {
			t.Fatalf("stale request reported as %v", kind)
		}
	}

	for _, smallerFirst := range []bool{true, false} {
		first, second, firstRes, secondRes := pair()
		if !smallerFirst {
			first, second, firstRes, secondRes = second, first, secondRes, firstRes
		}
		if _, err := v.VerifySearch(ctx, first, firstRes, nil); err != nil {
			t.Fatal(err)
		}
		_, err := v.VerifySearch(ctx, second, secondRes, nil)
		expectStale(err)
		if v.State(transparency.MainLog).Load().TreeSize != firstRes.TreeHead.TreeHead.TreeSize {
			t.Fatal("state changed by a stale response")
		}

		// Repeating the request from the current state succeeds.
		second.Consistency = v.Consistency()
		if _, err := search(second); err != nil {
			t.Fatal(err)
		}
	}

	// The same holds for the distinguished log.
	if err := tree.UpdateDistinguished(random()); err != nil {
		t.Fatal(err)
	}
	dreq := v.DistinguishedRequest()
	older, err := tree.Distinguished(dreq)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.VerifyDistinguished(ctx, dreq, older); err != nil {
		t.Fatal(err)
	} else if err := tree.UpdateDistinguished(random()); err != nil {
		t.Fatal(err)
	}
	newer, err := tree.Distinguished(dreq)
	if err != nil {
		t.Fatal(err)
	}
	_, err = v.VerifyDistinguished(ctx, dreq, newer)
	expectStale(err)
	if _, err := v.VerifyDistinguished(ctx, v.DistinguishedRequest(), newer); err == nil {
		t.Fatal("expected error for a response to a different request")
	}
	dreq = v.DistinguishedRequest()
	if newer, err = tree.Distinguished(dreq); err != nil {
		t.Fatal(err)
	} else if _, err := v.VerifyDistinguished(ctx, dreq, newer); err != nil {
		t.Fatal(err)
	}
}
