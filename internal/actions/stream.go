package actions

import (
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Stream event names.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// ttlPrincipal is the user identity DynamoDB stamps on TTL deletions.
const ttlPrincipal = "dynamodb.amazonaws.com"

// ChangeEvent is one mutation of the actions table with its before and after
// images. New is nil when the record was deleted or expired.
type ChangeEvent struct {
	Key            Key
	EventName      string
	SequenceNumber string
	Old            *Record
	New            *Record
	// Expired is set for removals performed by the TTL sweep.
	Expired bool
}

// FromStreamRecord converts a DynamoDB Streams record delivered to Lambda.
// The table stream must use the NEW_AND_OLD_IMAGES view.
func FromStreamRecord(r events.DynamoDBEventRecord) (ChangeEvent, error) {
	ev := ChangeEvent{
		EventName:      r.EventName,
		SequenceNumber: r.Change.SequenceNumber,
	}
	if pk, ok := r.Change.Keys["pk"]; ok {
		ev.Key.PartitionKey = pk.String()
	}
	if sk, ok := r.Change.Keys["sk"]; ok {
		ev.Key.SortKey = sk.String()
	}
	if ev.Key.PartitionKey == "" || ev.Key.SortKey == "" {
		return ev, fmt.Errorf("stream record %s has no pk/sk keys", r.EventID)
	}
	if r.UserIdentity != nil && r.EventName == EventRemove {
		ev.Expired = r.UserIdentity.Type == "Service" && r.UserIdentity.PrincipalID == ttlPrincipal
	}

	var err error
	if ev.Old, err = imageToRecord(r.Change.OldImage); err != nil {
		return ev, fmt.Errorf("old image of %s: %w", ev.Key, err)
	}
	if ev.New, err = imageToRecord(r.Change.NewImage); err != nil {
		return ev, fmt.Errorf("new image of %s: %w", ev.Key, err)
	}
	return ev, nil
}

// NewStreamRecord builds the stream record DynamoDB would emit for a write
// that turned before into after. Either image may be nil.
func NewStreamRecord(eventName, sequenceNumber string, before, after *Record) (events.DynamoDBEventRecord, error) {
	var key Key
	switch {
	case after != nil:
		key = after.Key()
	case before != nil:
		key = before.Key()
	default:
		return events.DynamoDBEventRecord{}, fmt.Errorf("stream record needs at least one image")
	}

	oldImage, err := recordToImage(before)
	if err != nil {
		return events.DynamoDBEventRecord{}, err
	}
	newImage, err := recordToImage(after)
	if err != nil {
		return events.DynamoDBEventRecord{}, err
	}

	return events.DynamoDBEventRecord{
		EventID:     sequenceNumber,
		EventName:   eventName,
		EventSource: "aws:dynamodb",
		Change: events.DynamoDBStreamRecord{
			Keys: map[string]events.DynamoDBAttributeValue{
				"pk": events.NewStringAttribute(key.PartitionKey),
				"sk": events.NewStringAttribute(key.SortKey),
			},
			OldImage:       oldImage,
			NewImage:       newImage,
			SequenceNumber: sequenceNumber,
			StreamViewType: "NEW_AND_OLD_IMAGES",
		},
	}, nil
}

func imageToRecord(image map[string]events.DynamoDBAttributeValue) (*Record, error) {
	if len(image) == 0 {
		return nil, nil
	}
	item, err := fromStreamMap(image)
	if err != nil {
		return nil, err
	}
	return unmarshalRecord(item)
}

func recordToImage(rec *Record) (map[string]events.DynamoDBAttributeValue, error) {
	if rec == nil {
		return nil, nil
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return toStreamMap(item)
}

func fromStreamMap(m map[string]events.DynamoDBAttributeValue) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(m))
	for k, v := range m {
		av, err := fromStreamValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = av
	}
	return out, nil
}

func fromStreamValue(v events.DynamoDBAttributeValue) (types.AttributeValue, error) {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}, nil
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}, nil
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}, nil
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}, nil
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}, nil
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}, nil
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}, nil
	case events.DataTypeList:
		list := v.List()
		out := make([]types.AttributeValue, 0, len(list))
		for _, item := range list {
			av, err := fromStreamValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, av)
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	case events.DataTypeMap:
		m, err := fromStreamMap(v.Map())
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	default:
		return nil, fmt.Errorf("unsupported stream data type %v", v.DataType())
	}
}

func toStreamMap(m map[string]types.AttributeValue) (map[string]events.DynamoDBAttributeValue, error) {
	out := make(map[string]events.DynamoDBAttributeValue, len(m))
	for k, v := range m {
		sv, err := toStreamValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = sv
	}
	return out, nil
}

func toStreamValue(v types.AttributeValue) (events.DynamoDBAttributeValue, error) {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return events.NewStringAttribute(tv.Value), nil
	case *types.AttributeValueMemberN:
		return events.NewNumberAttribute(tv.Value), nil
	case *types.AttributeValueMemberBOOL:
		return events.NewBooleanAttribute(tv.Value), nil
	case *types.AttributeValueMemberNULL:
		return events.NewNullAttribute(), nil
	case *types.AttributeValueMemberB:
		return events.NewBinaryAttribute(tv.Value), nil
	case *types.AttributeValueMemberSS:
		return events.NewStringSetAttribute(tv.Value), nil
	case *types.AttributeValueMemberNS:
		return events.NewNumberSetAttribute(tv.Value), nil
	case *types.AttributeValueMemberBS:
		return events.NewBinarySetAttribute(tv.Value), nil
	case *types.AttributeValueMemberL:
		list := make([]events.DynamoDBAttributeValue, 0, len(tv.Value))
		for _, item := range tv.Value {
			sv, err := toStreamValue(item)
			if err != nil {
				return events.DynamoDBAttributeValue{}, err
			}
			list = append(list, sv)
		}
		return events.NewListAttribute(list), nil
	case *types.AttributeValueMemberM:
		m, err := toStreamMap(tv.Value)
		if err != nil {
			return events.DynamoDBAttributeValue{}, err
		}
		return events.NewMapAttribute(m), nil
	default:
		return events.DynamoDBAttributeValue{}, fmt.Errorf("unsupported attribute value %T", v)
	}
}
