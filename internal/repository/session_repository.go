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

// SessionQueryAPI adds Query to DynamoDBAPI for family lookups.
type SessionQueryAPI interface {
	DynamoDBAPI
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// SessionRepository is the DynamoDB refresh token store. Each family is a
// partition TOKEN_FAMILY#<id> with one item per JTI.
type SessionRepository struct {
	client    SessionQueryAPI
	tableName string
	logger    *logrus.Logger
}

func NewSessionRepository(client SessionQueryAPI, tableName string, logger *logrus.Logger) *SessionRepository {
	return &SessionRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func refreshPK(jti string) string      { return fmt.Sprintf("REFRESH_TOKEN#%s", jti) }
func revokedPK(jti string) string      { return fmt.Sprintf("REVOKED_TOKEN#%s", jti) }
func familyPK(familyID string) string { return fmt.Sprintf("TOKEN_FAMILY#%s", familyID) }

func ttlAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", t.Unix())}
}

func (r *SessionRepository) Store(ctx context.Context, tokenData models.RefreshTokenData) error {
	item, err := attributevalue.MarshalMap(tokenData)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: refreshPK(tokenData.JTI)}
	item["SK"] = &types.AttributeValueMemberS{Value: sortKeyMetadata}
	item["TTL"] = ttlAttr(tokenData.ExpiresAt)

	if _, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	}); err != nil {
		r.logger.WithError(err).Error("Failed to store refresh token in DynamoDB")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	if _, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"PK":  &types.AttributeValueMemberS{Value: familyPK(tokenData.FamilyID)},
			"SK":  &types.AttributeValueMemberS{Value: tokenData.JTI},
			"TTL": ttlAttr(tokenData.ExpiresAt),
		},
	}); err != nil {
		r.logger.WithError(err).Error("Failed to index refresh token family in DynamoDB")
		return fmt.Errorf("failed to store token family: %w", err)
	}

	return nil
}

func (r *SessionRepository) Get(ctx context.Context, jti string) (*models.RefreshTokenData, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            itemKey(refreshPK(jti)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if result.Item == nil {
		return nil, ErrNotFound
	}

	var tokenData models.RefreshTokenData
	if err := attributevalue.UnmarshalMap(result.Item, &tokenData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token data: %w", err)
	}

	return &tokenData, nil
}

// Revoke flags the token item and writes a REVOKED_TOKEN marker that lives
// until the token would have expired.
func (r *SessionRepository) Revoke(ctx context.Context, jti string) error {
	tokenData, err := r.Get(ctx, jti)
	if err != nil {
		return err
	}

	if _, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(r.tableName),
		Key:                      itemKey(refreshPK(jti)),
		UpdateExpression:         aws.String("SET #revoked = :true"),
		ExpressionAttributeNames: map[string]string{"#revoked": "Revoked"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
		},
	}); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	if _, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: revokedPK(jti)},
			"SK":        &types.AttributeValueMemberS{Value: sortKeyMetadata},
			"RevokedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			"TTL":       ttlAttr(tokenData.ExpiresAt),
		},
	}); err != nil {
		return fmt.Errorf("failed to mark token as revoked: %w", err)
	}

	return nil
}

func (r *SessionRepository) IsRevoked(ctx context.Context, jti string) (bool, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       itemKey(revokedPK(jti)),
	})
	if err != nil {
		return false, err
	}

	return result.Item != nil, nil
}

func (r *SessionRepository) FamilyMembers(ctx context.Context, familyID string) ([]string, error) {
	result, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: familyPK(familyID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query token family: %w", err)
	}

	members := make([]string, 0, len(result.Items))
	for _, item := range result.Items {
		if sk, ok := item["SK"].(*types.AttributeValueMemberS); ok {
			members = append(members, sk.Value)
		}
	}

	return members, nil
}
