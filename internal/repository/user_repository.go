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

type UserRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
}

func NewUserRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *UserRepository {
	return &UserRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// GetByEmail returns ErrNotFound when no user is registered under email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{Email: email}

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            itemKey(user.GetPK()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get user from DynamoDB")
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if result.Item == nil {
		return nil, ErrNotFound
	}

	var dbUser models.User
	if err := attributevalue.UnmarshalMap(result.Item, &dbUser); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal user from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &dbUser, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	item, err := attributevalue.MarshalMap(user)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal user for DynamoDB")
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: user.GetPK()}
	item["SK"] = &types.AttributeValueMemberS{Value: user.GetSK()}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrAlreadyExists
		}
		r.logger.WithError(err).Error("Failed to create user in DynamoDB")
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// UpdatePending replaces the username and password of a user that has not
// verified yet. A verified user yields ErrAlreadyExists.
func (r *UserRepository) UpdatePending(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()

	updatedAt, err := attributevalue.Marshal(user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to marshal timestamp: %w", err)
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 itemKey(user.GetPK()),
		UpdateExpression:    aws.String("SET #username = :username, #password_hash = :password_hash, #updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #verified = :false"),
		ExpressionAttributeNames: map[string]string{
			"#username":      "username",
			"#password_hash": "password_hash",
			"#updated_at":    "updated_at",
			"#verified":      "verified",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":username":      &types.AttributeValueMemberS{Value: user.Username},
			":password_hash": &types.AttributeValueMemberS{Value: user.PasswordHash},
			":updated_at":    updatedAt,
			":false":         &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrAlreadyExists
		}
		r.logger.WithError(err).Error("Failed to update pending user in DynamoDB")
		return fmt.Errorf("failed to update user: %w", err)
	}

	return nil
}

func (r *UserRepository) MarkVerified(ctx context.Context, email string, at time.Time) error {
	user := &models.User{Email: email}

	ts, err := attributevalue.Marshal(at.UTC())
	if err != nil {
		return fmt.Errorf("failed to marshal timestamp: %w", err)
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 itemKey(user.GetPK()),
		UpdateExpression:    aws.String("SET #verified = :true, #verified_at = :at, #updated_at = :at"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#verified":    "verified",
			"#verified_at": "verified_at",
			"#updated_at":  "updated_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
			":at":   ts,
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotFound
		}
		r.logger.WithError(err).Error("Failed to mark user verified in DynamoDB")
		return fmt.Errorf("failed to verify user: %w", err)
	}

	return nil
}

// ClaimUsername reserves username for email. Claiming a name already held by
// the same email succeeds.
func (r *UserRepository) ClaimUsername(ctx context.Context, username, email string) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"PK":       &types.AttributeValueMemberS{Value: models.UsernamePK(username)},
			"SK":       &types.AttributeValueMemberS{Value: sortKeyMetadata},
			"email":    &types.AttributeValueMemberS{Value: email},
			"username": &types.AttributeValueMemberS{Value: username},
		},
		ConditionExpression:      aws.String("attribute_not_exists(PK) OR #email = :email"),
		ExpressionAttributeNames: map[string]string{"#email": "email"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":email": &types.AttributeValueMemberS{Value: email},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrUsernameTaken
		}
		r.logger.WithError(err).Error("Failed to claim username in DynamoDB")
		return fmt.Errorf("failed to claim username: %w", err)
	}

	return nil
}

// ReleaseUsername drops the reservation if it still belongs to email.
func (r *UserRepository) ReleaseUsername(ctx context.Context, username, email string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(r.tableName),
		Key:                      itemKey(models.UsernamePK(username)),
		ConditionExpression:      aws.String("#email = :email"),
		ExpressionAttributeNames: map[string]string{"#email": "email"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":email": &types.AttributeValueMemberS{Value: email},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("failed to release username: %w", err)
	}

	return nil
}
