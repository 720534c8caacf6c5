//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/signalapp/keytrans/cmd/internal/config"
	"github.com/signalapp/keytrans/tree/transparency"
	"github.com/signalapp/keytrans/tree/transparency/test"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

var vectorsCmd = &cobra.Command{
	Use:   "vectors <dir>",
	Short: "Write request and response pairs for testing verifiers",
	Long: `vectors writes a set of recorded requests and responses to dir, along
with a manifest named vectors.yaml. Each pair is meant to be verified from an
empty state, with the tree config given in the manifest, and either succeeds
or fails with the error named in the manifest. Tree heads carry the time the
vectors were written, so they must be verified soon after.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := writeVectors(args[0])
		return err
	},
}

func init() {
	rootCmd.AddCommand(vectorsCmd)
}

// Vector describes one recorded request and response pair.
type Vector struct {
	Description string `yaml:"description"`
	Kind        string `yaml:"kind"`
	Request     string `yaml:"request"`
	Response    string `yaml:"response"`
	// The name of the kind of error verification fails with, or empty if it
	// succeeds.
	Error string `yaml:"error,omitempty"`
}

// Manifest lists the vectors written to a directory.
type Manifest struct {
	Tree    *config.TreeConfig `yaml:"tree"`
	Vectors []*Vector          `yaml:"vectors"`
}

type vectorWriter struct {
	dir      string
	manifest *Manifest
}

func (vw *vectorWriter) add(description, kind string, req, res wire.Message, fails transparency.ErrorKind) error {
	n := len(vw.manifest.Vectors) + 1
	v := &Vector{
		Description: description,
		Kind:        kind,
		Request:     fmt.Sprintf("%02d-%s-request.bin", n, kind),
		Response:    fmt.Sprintf("%02d-%s-response.bin", n, kind),
	}
	if fails != 0 {
		v.Error = fails.String()
	}
	for file, msg := range map[string]wire.Message{v.Request: req, v.Response: res} {
		raw, err := msg.Marshal()
		if err != nil {
			return err
		} else if err := os.WriteFile(filepath.Join(vw.dir, file), raw, 0644); err != nil {
			return err
		}
	}
	vw.manifest.Vectors = append(vw.manifest.Vectors, v)
	return nil
}

// writeVectors writes vectors from a new simulated log to dir, and returns
// the manifest.
func writeVectors(dir string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	l, err := test.New(test.Config{Mode: transparency.ContactMonitoring})
	if err != nil {
		return nil, err
	}
	vw := &vectorWriter{dir: dir, manifest: &Manifest{Tree: config.NewTreeConfig(l.PublicConfig())}}

	aci := random(16)
	if err := l.UpdateDistinguished(random(8)); err != nil {
		return nil, err
	} else if _, err := l.Update(transparency.AciSearchKey(aci), random(16), nil); err != nil {
		return nil, err
	} else if err := l.UpdateFake(5); err != nil {
		return nil, err
	}

	// Each case gets a fresh copy of the response, which it may corrupt.
	search := func(description string, fails transparency.ErrorKind, corrupt func(*wire.SearchResponse)) error {
		req := &wire.SearchRequest{Aci: aci, Consistency: &wire.Consistency{}}
		res, err := l.Search(req)
		if err != nil {
			return err
		}
		corrupt(res)
		return vw.add(description, "search", req, res, fails)
	}
	cases := []struct {
		description string
		fails       transparency.ErrorKind
		corrupt     func(*wire.SearchResponse)
	}{
		{"search succeeds", 0, func(*wire.SearchResponse) {}},
		{"value must match commitment", transparency.KindSearchProofInvalid, func(res *wire.SearchResponse) {
			res.Aci.Value.Value[0] ^= 1
		}},
		{"vrf proof must be valid", transparency.KindSearchProofInvalid, func(res *wire.SearchResponse) {
			res.Aci.VrfProof[0] ^= 1
		}},
		{"tree head must be signed", transparency.KindSignatureInvalid, func(res *wire.SearchResponse) {
			res.TreeHead.TreeHead.Signatures = nil
		}},
		{"tree head signature must be valid", transparency.KindSignatureInvalid, func(res *wire.SearchResponse) {
			res.TreeHead.TreeHead.Signatures[0].Signature[0] ^= 1
		}},
		{"tree head must be present", transparency.KindMalformedProof, func(res *wire.SearchResponse) {
			res.TreeHead = nil
		}},
	}
	for _, c := range cases {
		if err := search(c.description, c.fails, c.corrupt); err != nil {
			return nil, err
		}
	}

	ureq := &wire.UpdateRequest{SearchKey: transparency.AciSearchKey(random(16)), Value: random(16), Consistency: &wire.Consistency{}}
	ures, err := l.Update(ureq.SearchKey, ureq.Value, ureq.Consistency)
	if err != nil {
		return nil, err
	} else if err := vw.add("update succeeds", "update", ureq, ures, 0); err != nil {
		return nil, err
	}
	ures.Opening[0] ^= 1
	if err := vw.add("opening must match commitment", "update", ureq, ures, transparency.KindSearchProofInvalid); err != nil {
		return nil, err
	}

	dreq := &wire.DistinguishedRequest{}
	dres, err := l.Distinguished(dreq)
	if err != nil {
		return nil, err
	} else if err := vw.add("distinguished succeeds", "distinguished", dreq, dres, 0); err != nil {
		return nil, err
	}
	dres.TreeHead.TreeHead.TreeSize = 0
	if err := vw.add("tree size must not be zero", "distinguished", dreq, dres, transparency.KindMalformedProof); err != nil {
		return nil, err
	}

	raw, err := yaml.Marshal(vw.manifest)
	if err != nil {
		return nil, err
	} else if err := os.WriteFile(filepath.Join(dir, "vectors.yaml"), raw, 0644); err != nil {
		return nil, err
	}
	return vw.manifest, nil
}
