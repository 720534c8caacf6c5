//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package transport

import (
	"context"
	"errors"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/signalapp/keytrans/tree/transparency/wire"
)

// ErrNotFound is returned when the service has no entry for a search key.
var ErrNotFound = errors.New("search key not found")

// Options configures a Client.
type Options struct {
	// Headers are attached to every request.
	Headers map[string][]string
	// Timeout bounds each call. Zero means no timeout beyond the caller's
	// context.
	Timeout time.Duration
	// Insecure disables transport security.
	Insecure bool

	// DialOptions are appended to the options built from the fields above.
	DialOptions []grpc.DialOption
}

// Client is a client of the key transparency query service.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

func headerInterceptor(headers map[string][]string) grpc.UnaryClientInterceptor {
	var kv []string
	for header, values := range headers {
		for _, value := range values {
			kv = append(kv, header, value)
		}
	}
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, kv...)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func metricsInterceptor(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	start := time.Now()
	err := invoker(ctx, method, req, reply, cc, opts...)

	labels := []metrics.Label{{Name: "grpcStatus", Value: status.Code(err).String()}}
	if _, name, perr := parseFullMethodString(method); perr == nil {
		labels = append(labels, metrics.Label{Name: "method", Value: name})
	}
	metrics.MeasureSinceWithLabels([]string{"client", "duration"}, start, labels)
	return err
}

// NewClient returns a client of the service at addr. No connection is made
// until the first call.
func NewClient(addr string, opts Options) (*Client, error) {
	var creds credentials.TransportCredentials
	if opts.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewClientTLSFromCert(nil, "")
	}

	interceptors := []grpc.UnaryClientInterceptor{metricsInterceptor}
	if len(opts.Headers) > 0 {
		interceptors = append(interceptors, headerInterceptor(opts.Headers))
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
		grpc.WithChainUnaryInterceptor(interceptors...),
	}
	conn, err := grpc.NewClient(addr, append(dialOpts, opts.DialOptions...)...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, timeout: opts.Timeout}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func invoke[Res any](c *Client, ctx context.Context, method string, req wire.Message) (*Res, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out := new(Res)
	if err := c.conn.Invoke(ctx, method, req, out); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.Join(ErrNotFound, err)
		}
		return nil, err
	}
	return out, nil
}

// Search looks up the most recent value of the keys in req.
func (c *Client) Search(ctx context.Context, req *wire.SearchRequest) (*wire.SearchResponse, error) {
	return invoke[wire.SearchResponse](c, ctx, searchMethod, req)
}

// Monitor requests proof that monitored keys have not changed unexpectedly.
func (c *Client) Monitor(ctx context.Context, req *wire.MonitorRequest) (*wire.MonitorResponse, error) {
	return invoke[wire.MonitorResponse](c, ctx, monitorMethod, req)
}

// Distinguished looks up the distinguished key.
func (c *Client) Distinguished(ctx context.Context, req *wire.DistinguishedRequest) (*wire.DistinguishedResponse, error) {
	return invoke[wire.DistinguishedResponse](c, ctx, distinguishedMethod, req)
}
