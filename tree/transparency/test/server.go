//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package test

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalapp/keytrans/transport"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

// QueryServer serves a Log over the query service.
type QueryServer struct {
	Log *Log
}

var _ transport.QueryServer = QueryServer{}

func toStatus(err error) error {
	if err == nil {
		return nil
	} else if errors.Is(err, ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.InvalidArgument, err.Error())
}

func (s QueryServer) Search(ctx context.Context, req *wire.SearchRequest) (*wire.SearchResponse, error) {
	res, err := s.Log.Search(req)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s QueryServer) Monitor(ctx context.Context, req *wire.MonitorRequest) (*wire.MonitorResponse, error) {
	res, err := s.Log.Monitor(req)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s QueryServer) Distinguished(ctx context.Context, req *wire.DistinguishedRequest) (*wire.DistinguishedResponse, error) {
	res, err := s.Log.Distinguished(req)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}
