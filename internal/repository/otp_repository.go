package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/horizon/horizon/internal/models"
	"github.com/sirupsen/logrus"
)

// OTPRepository keeps one pending code per email in DynamoDB. Items carry a
// TTL attribute so the table's TTL sweeper removes abandoned codes.
type OTPRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
}

func NewOTPRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *OTPRepository {
	return &OTPRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func otpPK(email string) string {
	return fmt.Sprintf("OTP#%s", email)
}

// Save stores OTP data, replacing any earlier code for the same email. The
// ttl argument is unused: expiry comes from otpData.ExpiresAt.
func (r *OTPRepository) Save(ctx context.Context, otpData models.OTPData, _ time.Duration) error {
	item, err := attributevalue.MarshalMap(otpData)
	if err != nil {
		return fmt.Errorf("failed to marshal OTP data: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: otpPK(otpData.Email)}
	item["SK"] = &types.AttributeValueMemberS{Value: sortKeyMetadata}
	item["TTL"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", otpData.ExpiresAt.Unix())}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to store OTP in DynamoDB")
		return fmt.Errorf("failed to store OTP: %w", err)
	}

	return nil
}

func (r *OTPRepository) Get(ctx context.Context, email string) (*models.OTPData, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            itemKey(otpPK(email)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get OTP: %w", err)
	}

	if result.Item == nil {
		return nil, ErrNotFound
	}

	var otpData models.OTPData
	if err := attributevalue.UnmarshalMap(result.Item, &otpData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OTP data: %w", err)
	}

	return &otpData, nil
}

// IncrementAttempts atomically adds one to the item's Attempts and returns
// the new count. It returns ErrNotFound when no code is pending.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, email string) (int, error) {
	result, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 itemKey(otpPK(email)),
		UpdateExpression:    aws.String("ADD Attempts :one"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to record OTP attempt: %w", err)
	}

	var updated struct {
		Attempts int `dynamodbav:"Attempts"`
	}
	if err := attributevalue.UnmarshalMap(result.Attributes, &updated); err != nil {
		return 0, fmt.Errorf("failed to unmarshal OTP attempts: %w", err)
	}

	return updated.Attempts, nil
}

// Consume deletes the pending code and returns the deleted item. Of several
// concurrent callers only one sees the old item; the rest get ErrNotFound.
func (r *OTPRepository) Consume(ctx context.Context, email string) (*models.OTPData, error) {
	result, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(r.tableName),
		Key:          itemKey(otpPK(email)),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume OTP: %w", err)
	}

	if len(result.Attributes) == 0 {
		return nil, ErrNotFound
	}

	var otpData models.OTPData
	if err := attributevalue.UnmarshalMap(result.Attributes, &otpData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OTP data: %w", err)
	}

	return &otpData, nil
}

func (r *OTPRepository) Delete(ctx context.Context, email string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       itemKey(otpPK(email)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete OTP: %w", err)
	}

	return nil
}
