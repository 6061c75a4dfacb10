package models

import "time"

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type RefreshTokenData struct {
	JTI       string    `json:"jti" dynamodbav:"JTI"`
	Email     string    `json:"email" dynamodbav:"Email"`
	FamilyID  string    `json:"family_id" dynamodbav:"FamilyID"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"CreatedAt"`
	ExpiresAt time.Time `json:"expires_at" dynamodbav:"ExpiresAt"`
	Revoked   bool      `json:"revoked" dynamodbav:"Revoked"`
}
