//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/ratelimit"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/signalapp/keytrans/tree/transparency"
)

const (
	maxDynamoBatchSize = 100
	maxDynamoWriteSize = 25
	keyLabel           = "k"
	valueLabel         = "v"
)

// ddbClient is the subset of the DynamoDB API used by ddbStore.
type ddbClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// ddbStore implements the Store interface over a DynamoDB table with a
// string partition key named "k".
//
// Log state is stored as separate attributes so that compare-and-swap can be
// expressed as a condition on the previous values. Monitoring data is stored
// as JSON in the binary attribute "v".
type ddbStore struct {
	conn  ddbClient
	table string
}

var (
	adaptiveRetryer = retry.NewAdaptiveMode(func(opts *retry.AdaptiveModeOptions) {
		opts.StandardOptions = append(opts.StandardOptions, func(opts *retry.StandardOptions) {
			// The default token bucket and retry cost are 500 and 5.
			// https://pkg.go.dev/github.com/aws/aws-sdk-go-v2/aws/retry#StandardOptions
			opts.RateLimiter = ratelimit.NewTokenRateLimit(1000)
			opts.RetryCost = 1
			opts.MaxAttempts = 20
			opts.MaxBackoff = time.Minute
		})
	})
)

// NewDynamoDBStore returns a Store backed by the given DynamoDB table. If
// endpoint is not empty, it overrides the default service endpoint.
func NewDynamoDBStore(ctx context.Context, table, endpoint string) (Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRetryer(func() aws.Retryer {
		return adaptiveRetryer
	}))
	if err != nil {
		return nil, err
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &ddbStore{conn: client, table: table}, nil
}

func (ddb *ddbStore) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		keyLabel: &types.AttributeValueMemberS{Value: key},
	}
}

func countRead(n int) {
	metrics.IncrCounterWithLabels(
		[]string{"dynamodb", "read_capacity"},
		float32(n),
		[]metrics.Label{{Name: "consistent", Value: "true"}},
	)
}

func (ddb *ddbStore) GetLogState(ctx context.Context, id transparency.LogID) (*transparency.VerifiedLogState, error) {
	start := time.Now()
	out, err := ddb.conn.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &ddb.table,
		Key:            ddb.key(stateKey(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	countRead(1)
	metrics.MeasureSince([]string{"dynamodb", "get_duration"}, start)

	if len(out.Item) == 0 {
		return nil, nil
	}
	state := &transparency.VerifiedLogState{}
	if err := attributevalue.UnmarshalMap(out.Item, state); err != nil {
		return nil, fmt.Errorf("decoding stored log state: %w", err)
	}
	return state, nil
}

// stateCondition returns the condition under which the stored state of a log
// may be replaced: there is no stored state if prev is nil, otherwise every
// attribute of the stored state equals prev.
func stateCondition(prev *transparency.VerifiedLogState) expression.ConditionBuilder {
	if prev == nil {
		return expression.AttributeNotExists(expression.Name(keyLabel))
	}
	return expression.And(
		expression.Name("tree_size").Equal(expression.Value(prev.TreeSize)),
		expression.Name("timestamp").Equal(expression.Value(prev.Timestamp)),
		expression.Name("root").Equal(expression.Value(prev.Root)),
	)
}

func (ddb *ddbStore) CompareAndSwapLogState(ctx context.Context, id transparency.LogID, prev, next *transparency.VerifiedLogState) error {
	item, err := attributevalue.MarshalMap(next)
	if err != nil {
		return err
	}
	item[keyLabel] = &types.AttributeValueMemberS{Value: stateKey(id)}

	expr, err := expression.NewBuilder().WithCondition(stateCondition(prev)).Build()
	if err != nil {
		return err
	}
	_, err = ddb.conn.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 &ddb.table,
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	var conflict *types.ConditionalCheckFailedException
	if errors.As(err, &conflict) {
		return transparency.ErrStateConflict
	} else if err != nil {
		return err
	}
	metrics.IncrCounter([]string{"dynamodb", "write_capacity"}, 1)
	return nil
}

func (ddb *ddbStore) GetMonitoringData(ctx context.Context, searchKeys ...[]byte) (transparency.Monitored, error) {
	start := time.Now()
	kvs := make([]map[string]types.AttributeValue, 0, len(searchKeys))
	seen := make(map[string]struct{})
	for _, key := range searchKeys {
		if _, ok := seen[string(key)]; ok {
			continue
		}
		seen[string(key)] = struct{}{}
		kvs = append(kvs, ddb.key(monitorKey(key)))
	}

	out := make(transparency.Monitored)
	for len(kvs) > 0 {
		var now []map[string]types.AttributeValue
		if len(kvs) > maxDynamoBatchSize {
			now, kvs = kvs[:maxDynamoBatchSize], kvs[maxDynamoBatchSize:]
		} else {
			now, kvs = kvs, nil
		}
		res, err := ddb.conn.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{ddb.table: {
				Keys:           now,
				ConsistentRead: aws.Bool(true),
			}},
		})
		if err != nil {
			return nil, err
		}
		unprocessed := res.UnprocessedKeys[ddb.table].Keys
		kvs = append(kvs, unprocessed...)
		countRead(len(now) - len(unprocessed))

		for _, item := range res.Responses[ddb.table] {
			searchKey, md, err := decodeMonitoringItem(item)
			if err != nil {
				return nil, err
			}
			out[string(searchKey)] = md
		}
	}

	metrics.MeasureSinceWithLabels([]string{"dynamodb", "get_duration"}, start, []metrics.Label{
		{Name: "singular", Value: fmt.Sprint(len(searchKeys) == 1)},
	})
	return out, nil
}

func decodeMonitoringItem(item map[string]types.AttributeValue) ([]byte, *transparency.MonitoringData, error) {
	key, ok := item[keyLabel].(*types.AttributeValueMemberS)
	if !ok {
		return nil, nil, fmt.Errorf("malformed database entry")
	}
	value, ok := item[valueLabel].(*types.AttributeValueMemberB)
	if !ok {
		return nil, nil, fmt.Errorf("malformed database entry")
	}
	searchKey, err := parseMonitorKey(key.Value)
	if err != nil {
		return nil, nil, err
	}
	md, err := decodeMonitoringData(value.Value)
	if err != nil {
		return nil, nil, err
	}
	return searchKey, md, nil
}

func (ddb *ddbStore) PutMonitoringData(ctx context.Context, data transparency.Monitored) error {
	start := time.Now()
	iters := 0

	reqs := make([]types.WriteRequest, 0, len(data))
	for key, md := range data {
		raw, err := encodeMonitoringData(md)
		if err != nil {
			return err
		}
		item := ddb.key(monitorKey([]byte(key)))
		item[valueLabel] = &types.AttributeValueMemberB{Value: raw}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}

	// Loop until all writes have propagated to the database.
	for len(reqs) > 0 {
		iters++

		var err error
		reqs, err = ddb.batchWriteParallel(ctx, reqs)
		if err != nil {
			return err
		}
	}

	metrics.MeasureSinceWithLabels(
		[]string{"dynamodb", "commit_duration"},
		start,
		[]metrics.Label{{Name: "iters", Value: fmt.Sprint(iters)}},
	)
	return nil
}

// batchWriteParallel splits writes across multiple goroutines and returns a
// list of unfulfilled write requests.
func (ddb *ddbStore) batchWriteParallel(ctx context.Context, reqs []types.WriteRequest) ([]types.WriteRequest, error) {
	type dynamoWriteRes struct {
		unprocessed []types.WriteRequest
		err         error
	}
	ch := make(chan dynamoWriteRes)

	goroutines := 0
	for len(reqs) > 0 {
		var now []types.WriteRequest
		if len(reqs) > maxDynamoWriteSize {
			now, reqs = reqs[:maxDynamoWriteSize], reqs[maxDynamoWriteSize:]
		} else {
			now, reqs = reqs, nil
		}
		go func() {
			unprocessed, err := ddb.batchWrite(ctx, now)
			ch <- dynamoWriteRes{unprocessed, err}
		}()
		goroutines++
	}

	var (
		unprocessed []types.WriteRequest
		firstErr    error
	)
	for i := 0; i < goroutines; i++ {
		res := <-ch
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
		unprocessed = append(unprocessed, res.unprocessed...)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return unprocessed, nil
}

// batchWrite makes a single batch write request and returns any unfulfilled
// write requests.
func (ddb *ddbStore) batchWrite(ctx context.Context, reqs []types.WriteRequest) ([]types.WriteRequest, error) {
	out, err := ddb.conn.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{ddb.table: reqs},
	})
	if err != nil {
		return nil, err
	}
	unprocessed := out.UnprocessedItems[ddb.table]
	metrics.IncrCounter([]string{"dynamodb", "write_capacity"}, float32(len(reqs)-len(unprocessed)))
	return unprocessed, nil
}

func (ddb *ddbStore) ListMonitored(ctx context.Context) (transparency.Monitored, error) {
	filter := expression.Name(keyLabel).BeginsWith(monitorPrefix)
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, err
	}

	out := make(transparency.Monitored)
	pages := dynamodb.NewScanPaginator(ddb.conn, &dynamodb.ScanInput{
		TableName:                 &ddb.table,
		ConsistentRead:            aws.Bool(true),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		countRead(int(page.ScannedCount))
		for _, item := range page.Items {
			searchKey, md, err := decodeMonitoringItem(item)
			if err != nil {
				return nil, err
			}
			out[string(searchKey)] = md
		}
	}
	return out, nil
}

func (ddb *ddbStore) Close() error { return nil }
