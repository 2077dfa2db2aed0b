package actions

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo is a small in-memory table that understands the condition
// expressions issued by Store. Items are keyed by "pk|sk".
type mockDynamo struct {
	mu          sync.Mutex
	items       map[string]map[string]types.AttributeValue
	updateCalls int
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func itemKey(key map[string]types.AttributeValue) (string, error) {
	pk, ok := key["pk"].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("missing pk")
	}
	sk, ok := key["sk"].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("missing sk")
	}
	return pk.Value + "|" + sk.Value, nil
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func strAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numAttr(item map[string]types.AttributeValue, name string) int64 {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := itemKey(params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == condNotExists {
		if _, exists := m.items[k]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.items[k] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := itemKey(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.items[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

// checkCondition evaluates the store's condition expressions against item.
func checkCondition(cond string, item map[string]types.AttributeValue, values map[string]types.AttributeValue) bool {
	switch cond {
	case "attribute_exists(pk)":
		return item != nil
	case condFlagged:
		return item != nil && strAttr(item, "review_reason") != ""
	case condFlaggedIn:
		return item != nil && strAttr(item, "review_reason") != "" &&
			strAttr(item, "state") == values[":expected"].(*types.AttributeValueMemberS).Value
	case condState, condStateLive:
		if item == nil {
			return false
		}
		if strAttr(item, "state") != values[":expected"].(*types.AttributeValueMemberS).Value {
			return false
		}
		if cond == condStateLive {
			now, _ := strconv.ParseInt(values[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
			return numAttr(item, "ttl") > now
		}
		return true
	}
	return true
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	k, err := itemKey(params.Key)
	if err != nil {
		return nil, err
	}
	current := m.items[k]
	if params.ConditionExpression != nil && !checkCondition(*params.ConditionExpression, current, params.ExpressionAttributeValues) {
		ccf := &types.ConditionalCheckFailedException{}
		if current != nil && params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
			ccf.Item = copyItem(current)
		}
		return nil, ccf
	}
	if current == nil {
		current = copyItem(params.Key)
	}
	item := copyItem(current)
	vals := params.ExpressionAttributeValues

	item["version"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(numAttr(item, "version")+1, 10)}
	if v, ok := vals[":ua"]; ok {
		item["updated_at"] = v
	}
	if v, ok := vals[":next"]; ok {
		item["state"] = v
	}
	if v, ok := vals[":eid"]; ok {
		item["external_id"] = v
	}
	if v, ok := vals[":reason"]; ok {
		item["review_reason"] = v
	}
	if v, ok := vals[":fa"]; ok {
		item["flagged_at"] = v
	}
	if v, ok := vals[":prompt"]; ok {
		item["prompt"] = v
	}
	if v, ok := vals[":ttl"]; ok {
		item["ttl"] = v
	}
	if _, hasHours := vals[":hours"]; hasHours || vals[":notes"] != nil {
		payload := map[string]types.AttributeValue{}
		if p, ok := item["payload"].(*types.AttributeValueMemberM); ok {
			payload = copyItem(p.Value)
		}
		if v, ok := vals[":hours"]; ok {
			payload["hours"] = v
		}
		if v, ok := vals[":notes"]; ok {
			payload["notes"] = v
		}
		item["payload"] = &types.AttributeValueMemberM{Value: payload}
	}
	if strings.Contains(*params.UpdateExpression, "REMOVE") {
		delete(item, "review_reason")
		delete(item, "flagged_at")
	}

	m.items[k] = item
	return &dyn.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

func (m *mockDynamo) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := itemKey(params.Key)
	if err != nil {
		return nil, err
	}
	current := m.items[k]
	if params.ConditionExpression != nil && !checkCondition(*params.ConditionExpression, current, params.ExpressionAttributeValues) {
		ccf := &types.ConditionalCheckFailedException{}
		if current != nil {
			ccf.Item = copyItem(current)
		}
		return nil, ccf
	}
	delete(m.items, k)
	return &dyn.DeleteItemOutput{}, nil
}

func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []map[string]types.AttributeValue
	for _, item := range m.items {
		if params.FilterExpression != nil && !checkCondition(*params.FilterExpression, item, nil) {
			continue
		}
		items = append(items, copyItem(item))
	}
	return &dyn.ScanOutput{Items: items}, nil
}
