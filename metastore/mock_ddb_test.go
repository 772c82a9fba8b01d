package metastore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDDBClient is an in-memory DynamoDB understanding just the expressions
// the store sends.
type mockDDBClient struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue

	failPuts atomic.Int32
	putCalls atomic.Int32
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{tables: make(map[string]map[string]map[string]types.AttributeValue)}
}

func keyAttr(table string) string {
	if table == "collections" {
		return "collection_id"
	}
	return "face_id"
}

func (m *mockDDBClient) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string]map[string]types.AttributeValue)
		m.tables[name] = t
	}
	return t
}

func condFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
}

func (m *mockDDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.putCalls.Add(1)
	if m.failPuts.Load() > 0 {
		m.failPuts.Add(-1)
		return nil, &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	name := aws.ToString(params.TableName)
	key := params.Item[keyAttr(name)].(*types.AttributeValueMemberS).Value
	t := m.table(name)
	if params.ConditionExpression != nil && strings.HasPrefix(*params.ConditionExpression, "attribute_not_exists") {
		if _, exists := t[key]; exists {
			return nil, condFailed()
		}
	}
	t[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := aws.ToString(params.TableName)
	key := params.Key[keyAttr(name)].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: m.table(name)[key]}, nil
}

func (m *mockDDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := aws.ToString(params.TableName)
	key := params.Key[keyAttr(name)].(*types.AttributeValueMemberS).Value
	t := m.table(name)
	old, exists := t[key]
	if params.ConditionExpression != nil && !exists {
		return nil, condFailed()
	}
	delete(t, key)
	out := &dynamodb.DeleteItemOutput{}
	if params.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = old
	}
	return out, nil
}

func (m *mockDDBClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := aws.ToString(params.TableName)
	key := params.Key[keyAttr(name)].(*types.AttributeValueMemberS).Value
	item, exists := m.table(name)[key]
	if !exists {
		return nil, condFailed()
	}
	vals := params.ExpressionAttributeValues
	expr := aws.ToString(params.UpdateExpression)

	switch {
	case strings.Contains(expr, "if_not_exists(face_count"):
		cur := getN(item, "face_count")
		if mn, ok := vals[":min"]; ok {
			need, _ := strconv.ParseInt(mn.(*types.AttributeValueMemberN).Value, 10, 64)
			if cur < need {
				return nil, condFailed()
			}
		}
		d, _ := strconv.ParseInt(vals[":d"].(*types.AttributeValueMemberN).Value, 10, 64)
		item["face_count"] = num(cur + d)
	case strings.Contains(expr, "face_count = :n"):
		item["face_count"] = vals[":n"]
	case strings.Contains(expr, "#n = :name"):
		item["name"] = vals[":name"]
		item["description"] = vals[":desc"]
		item["updated_at"] = vals[":now"]
	}

	out := &dynamodb.UpdateItemOutput{}
	if params.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = item
	}
	return out, nil
}

func (m *mockDDBClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(aws.ToString(params.TableName))

	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var items []map[string]types.AttributeValue
	for _, k := range keys {
		item := t[k]
		if params.FilterExpression != nil && *params.FilterExpression == "collection_id = :c" {
			want := params.ExpressionAttributeValues[":c"].(*types.AttributeValueMemberS).Value
			if getS(item, "collection_id") != want {
				continue
			}
		}
		items = append(items, item)
	}

	out := &dynamodb.ScanOutput{Count: int32(len(items))}
	if params.Select != types.SelectCount {
		out.Items = items
	}
	return out, nil
}
