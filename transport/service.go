//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package transport

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/signalapp/keytrans/tree/transparency/wire"
)

const (
	ServiceName = "kt_query.KeyTransparencyQueryService"

	searchMethod        = "/" + ServiceName + "/Search"
	monitorMethod       = "/" + ServiceName + "/Monitor"
	distinguishedMethod = "/" + ServiceName + "/Distinguished"
)

// QueryServer is the server API for the key transparency query service.
// Implementations should return a status with codes.NotFound for search keys
// that do not exist.
type QueryServer interface {
	Search(context.Context, *wire.SearchRequest) (*wire.SearchResponse, error)
	Monitor(context.Context, *wire.MonitorRequest) (*wire.MonitorResponse, error)
	Distinguished(context.Context, *wire.DistinguishedRequest) (*wire.DistinguishedResponse, error)
}

func unaryHandler[Req any, Res any](method string, call func(QueryServer, context.Context, *Req) (*Res, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(QueryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(QueryServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Search",
			Handler:    unaryHandler(searchMethod, QueryServer.Search),
		},
		{
			MethodName: "Monitor",
			Handler:    unaryHandler(monitorMethod, QueryServer.Monitor),
		},
		{
			MethodName: "Distinguished",
			Handler:    unaryHandler(distinguishedMethod, QueryServer.Distinguished),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "key_transparency_query.proto",
}

// NewServer returns a gRPC server with srv registered as the query service.
// If authorizedHeaders is not empty, every request must carry at least one of
// the listed header values.
func NewServer(srv QueryServer, authorizedHeaders map[string][]string, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ForceServerCodec(codec{}))
	if len(authorizedHeaders) > 0 {
		opts = append(opts, grpc.ChainUnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			md, ok := metadata.FromIncomingContext(ctx)
			if !ok {
				return nil, status.Error(codes.Unavailable, "metadata read error")
			}
			if err := validateAuthorizedHeaders(authorizedHeaders, md); err != nil {
				return nil, err
			}
			return handler(ctx, req)
		}))
	}
	server := grpc.NewServer(opts...)
	server.RegisterService(&serviceDesc, srv)
	return server
}

// validateAuthorizedHeaders ensures that at least one of the header to value
// mappings is present on the request.
func validateAuthorizedHeaders(authorizedHeaders map[string][]string, md metadata.MD) error {
	for header, authorizedValues := range authorizedHeaders {
		for _, value := range md.Get(header) {
			for _, authorized := range authorizedValues {
				if subtle.ConstantTimeCompare([]byte(authorized), []byte(value)) == 1 {
					return nil
				}
			}
		}
	}
	return status.Error(codes.PermissionDenied, "invalid header values")
}

// parseFullMethodString returns the service and method names of an RPC path
// in the format /package.service/method.
func parseFullMethodString(fullMethod string) (string, string, error) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) != 3 || len(parts[1]) == 0 || len(parts[2]) == 0 {
		return "", "", fmt.Errorf("unexpected RPC path: %s", fullMethod)
	}
	i := strings.LastIndex(parts[1], ".")
	if i <= 0 || i == len(parts[1])-1 {
		return "", "", fmt.Errorf("unexpected RPC path: %s", fullMethod)
	}
	return parts[1][i+1:], parts[2], nil
}
