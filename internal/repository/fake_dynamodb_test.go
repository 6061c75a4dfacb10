package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamoDB is an in-memory table keyed on PK/SK. It understands the
// condition and update expressions the repositories emit and nothing more.
type fakeDynamoDB struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	err   error
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: map[string]map[string]types.AttributeValue{}}
}

func keyOf(m map[string]types.AttributeValue) string {
	return attrString(m["PK"]) + "|" + attrString(m["SK"])
}

func attrString(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func attrEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	}
	return false
}

func resolveName(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		return names[name]
	}
	return name
}

func evalCondition(expr *string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) bool {
	if expr == nil || *expr == "" {
		return true
	}
	for _, disjunct := range strings.Split(*expr, " OR ") {
		ok := true
		for _, term := range strings.Split(disjunct, " AND ") {
			if !evalTerm(strings.TrimSpace(term), item, names, values) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func evalTerm(term string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) bool {
	switch {
	case strings.HasPrefix(term, "attribute_not_exists("):
		attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(term, "attribute_not_exists("), ")"), names)
		_, exists := item[attr]
		return item == nil || !exists
	case strings.HasPrefix(term, "attribute_exists("):
		attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(term, "attribute_exists("), ")"), names)
		_, exists := item[attr]
		return item != nil && exists
	default:
		parts := strings.SplitN(term, " = ", 2)
		if len(parts) != 2 || item == nil {
			return false
		}
		return attrEqual(item[resolveName(parts[0], names)], values[parts[1]])
	}
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (f *fakeDynamoDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeDynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	k := keyOf(in.Item)
	if !evalCondition(in.ConditionExpression, f.items[k], in.ExpressionAttributeNames, in.ExpressionAttributeValues) {
		return nil, conditionFailed()
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	k := keyOf(in.Key)
	item := f.items[k]
	if !evalCondition(in.ConditionExpression, item, in.ExpressionAttributeNames, in.ExpressionAttributeValues) {
		return nil, conditionFailed()
	}
	if item == nil {
		item = map[string]types.AttributeValue{"PK": in.Key["PK"], "SK": in.Key["SK"]}
	}

	updated := map[string]types.AttributeValue{}
	expr := aws.ToString(in.UpdateExpression)
	switch {
	case strings.HasPrefix(expr, "ADD "):
		parts := strings.Fields(strings.TrimPrefix(expr, "ADD "))
		if len(parts) != 2 {
			return nil, fmt.Errorf("fake: unsupported update %q", expr)
		}
		attr := resolveName(parts[0], in.ExpressionAttributeNames)
		sum, err := addNumbers(item[attr], in.ExpressionAttributeValues[parts[1]])
		if err != nil {
			return nil, err
		}
		item[attr] = sum
		updated[attr] = sum
	default:
		for _, assignment := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
			parts := strings.SplitN(strings.TrimSpace(assignment), " = ", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("fake: unsupported update %q", assignment)
			}
			attr := resolveName(parts[0], in.ExpressionAttributeNames)
			item[attr] = in.ExpressionAttributeValues[parts[1]]
			updated[attr] = item[attr]
		}
	}
	f.items[k] = item

	out := &dynamodb.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueUpdatedNew {
		out.Attributes = updated
	}
	return out, nil
}

func addNumbers(current, delta types.AttributeValue) (types.AttributeValue, error) {
	var a int64
	if n, ok := current.(*types.AttributeValueMemberN); ok {
		v, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return nil, err
		}
		a = v
	}
	n, ok := delta.(*types.AttributeValueMemberN)
	if !ok {
		return nil, fmt.Errorf("fake: ADD needs a number")
	}
	b, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(a+b, 10)}, nil
}

func (f *fakeDynamoDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	k := keyOf(in.Key)
	if !evalCondition(in.ConditionExpression, f.items[k], in.ExpressionAttributeNames, in.ExpressionAttributeValues) {
		return nil, conditionFailed()
	}
	out := &dynamodb.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = f.items[k]
	}
	delete(f.items, k)
	return out, nil
}

func (f *fakeDynamoDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if aws.ToString(in.KeyConditionExpression) != "PK = :pk" {
		return nil, fmt.Errorf("fake: unsupported key condition %q", aws.ToString(in.KeyConditionExpression))
	}
	pk := attrString(in.ExpressionAttributeValues[":pk"])

	var keys []string
	for k := range f.items {
		if strings.HasPrefix(k, pk+"|") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &dynamodb.QueryOutput{}
	for _, k := range keys {
		out.Items = append(out.Items, f.items[k])
	}
	return out, nil
}
