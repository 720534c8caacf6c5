//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package store

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalapp/keytrans/tree/transparency"
)

// fakeDynamo is an in-memory table. Conditions are not evaluated; a put with
// a condition fails if conflict is set. Batch operations leave the last item
// of every batch unprocessed the first time they see it.
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	conflict bool
	deferred map[string]bool

	puts        []*dynamodb.PutItemInput
	batchWrites []int
	batchGets   []int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:    make(map[string]map[string]types.AttributeValue),
		deferred: make(map[string]bool),
	}
}

func itemKey(item map[string]types.AttributeValue) string {
	return item[keyLabel].(*types.AttributeValueMemberS).Value
}

// deferOnce returns true the first time it is called with key.
func (f *fakeDynamo) deferOnce(key string) bool {
	if f.deferred[key] {
		return false
	}
	f.deferred[key] = true
	return true
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(params.Key)]}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, params)
	if params.ConditionExpression != nil && f.conflict {
		return nil, &types.ConditionalCheckFailedException{}
	}
	f.items[itemKey(params.Item)] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &dynamodb.BatchGetItemOutput{
		Responses:       make(map[string][]map[string]types.AttributeValue),
		UnprocessedKeys: make(map[string]types.KeysAndAttributes),
	}
	for table, req := range params.RequestItems {
		f.batchGets = append(f.batchGets, len(req.Keys))
		var unprocessed []map[string]types.AttributeValue
		for i, key := range req.Keys {
			if i == len(req.Keys)-1 && f.deferOnce("get"+itemKey(key)) {
				unprocessed = append(unprocessed, key)
			} else if item, ok := f.items[itemKey(key)]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
		if len(unprocessed) > 0 {
			out.UnprocessedKeys[table] = types.KeysAndAttributes{Keys: unprocessed}
		}
	}
	return out, nil
}

func (f *fakeDynamo) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: make(map[string][]types.WriteRequest)}
	for table, reqs := range params.RequestItems {
		f.batchWrites = append(f.batchWrites, len(reqs))
		for i, req := range reqs {
			key := itemKey(req.PutRequest.Item)
			if i == len(reqs)-1 && f.deferOnce("put"+key) {
				out.UnprocessedItems[table] = append(out.UnprocessedItems[table], req)
				continue
			}
			f.items[key] = req.PutRequest.Item
		}
	}
	return out, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &dynamodb.ScanOutput{}
	for key, item := range f.items {
		out.ScannedCount++
		if key[:1] == monitorPrefix {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

func TestDynamoDBLogState(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := &ddbStore{conn: fake, table: "kt"}

	state, err := s.GetLogState(ctx, transparency.MainLog)
	require.NoError(t, err)
	assert.Nil(t, state)

	first := newState(4)
	require.NoError(t, s.CompareAndSwapLogState(ctx, transparency.MainLog, nil, first))
	put := fake.puts[0]
	assert.Contains(t, *put.ConditionExpression, "attribute_not_exists")
	assert.Equal(t, map[string]string{"#0": keyLabel}, put.ExpressionAttributeNames)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "smain"}, put.Item[keyLabel])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "4"}, put.Item["tree_size"])
	assert.Equal(t, &types.AttributeValueMemberB{Value: first.Root}, put.Item["root"])

	state, err = s.GetLogState(ctx, transparency.MainLog)
	require.NoError(t, err)
	assert.Equal(t, first, state)

	second := newState(6)
	require.NoError(t, s.CompareAndSwapLogState(ctx, transparency.MainLog, first, second))
	put = fake.puts[1]
	assert.Len(t, put.ExpressionAttributeNames, 3)
	assert.Len(t, put.ExpressionAttributeValues, 3)
	assert.Contains(t, put.ExpressionAttributeValues, ":0")

	fake.conflict = true
	err = s.CompareAndSwapLogState(ctx, transparency.MainLog, second, newState(8))
	assert.ErrorIs(t, err, transparency.ErrStateConflict)
}

func TestDynamoDBMonitoringData(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := &ddbStore{conn: fake, table: "kt"}

	data := make(transparency.Monitored)
	var keys [][]byte
	for i := 0; i < 130; i++ {
		key := random(16)
		keys = append(keys, key)
		data[string(key)] = newMonitoringData(uint64(i + 1))
	}
	require.NoError(t, s.PutMonitoringData(ctx, data))
	assert.Len(t, fake.items, 130)
	for _, n := range fake.batchWrites {
		assert.LessOrEqual(t, n, maxDynamoWriteSize)
	}

	// Duplicate keys are requested once.
	got, err := s.GetMonitoringData(ctx, append(keys, keys[0])...)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 100, fake.batchGets[0])
	for _, n := range fake.batchGets {
		assert.LessOrEqual(t, n, maxDynamoBatchSize)
	}

	fake.items["smain"] = map[string]types.AttributeValue{keyLabel: &types.AttributeValueMemberS{Value: "smain"}}
	all, err := s.ListMonitored(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, all)

	fake.items["m00"] = map[string]types.AttributeValue{keyLabel: &types.AttributeValueMemberS{Value: "m00"}}
	_, err = s.ListMonitored(ctx)
	assert.Error(t, err)
}
