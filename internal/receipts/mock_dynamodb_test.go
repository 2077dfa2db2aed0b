package receipts

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a small in-memory mock for PutItem/GetItem/UpdateItem that
// evaluates the store's condition expressions.
type simpleMock struct {
	mu          sync.Mutex
	table       map[string]map[string]types.AttributeValue
	putCalls    int
	getCalls    int
	updateCalls int
}

func newSimpleMock() *simpleMock {
	return &simpleMock{
		table: map[string]map[string]types.AttributeValue{},
	}
}

func keyOf(item map[string]types.AttributeValue) (string, error) {
	keyAttr, ok := item["idempotency_key"].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("missing key")
	}
	return keyAttr.Value, nil
}

func str(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	k, err := keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == condNew {
		if _, ok := m.table[k]; ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	k, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	k, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	vals := params.ExpressionAttributeValues
	item, ok := m.table[k]

	cond := ""
	if params.ConditionExpression != nil {
		cond = *params.ConditionExpression
	}
	pass := ok
	switch cond {
	case condReclaim:
		pass = ok && str(item, "status") != StatusDone && str(item, "claim_token") == vals[":prev"].(*types.AttributeValueMemberS).Value
	case condOwned:
		pass = ok && str(item, "status") == StatusInProgress && str(item, "claim_token") == vals[":tok"].(*types.AttributeValueMemberS).Value
	}
	if !pass {
		return nil, &types.ConditionalCheckFailedException{}
	}

	next := make(map[string]types.AttributeValue, len(item))
	for name, v := range item {
		next[name] = v
	}
	if strings.Contains(*params.UpdateExpression, "REMOVE note") {
		delete(next, "note")
	}
	if v, ok := vals[":ip"]; ok && cond == condReclaim {
		next["status"] = v
		next["claim_token"] = vals[":tok"]
		n, _ := strconv.Atoi(next["attempts"].(*types.AttributeValueMemberN).Value)
		next["attempts"] = &types.AttributeValueMemberN{Value: strconv.Itoa(n + 1)}
		next["expires_at"] = vals[":exp"]
	}
	if v, ok := vals[":done"]; ok && cond == condExists {
		next["status"] = v
		next["entry_id"] = vals[":eid"]
	}
	if v, ok := vals[":failed"]; ok {
		next["status"] = v
		next["note"] = vals[":n"]
	}
	if v, ok := vals[":ua"]; ok {
		next["updated_at"] = v
	}
	m.table[k] = next
	return &dyn.UpdateItemOutput{Attributes: next}, nil
}

func (m *simpleMock) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	return nil, errors.New("not implemented")
}

func (m *simpleMock) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	return nil, errors.New("not implemented")
}
