package models

import (
	"strings"
	"time"
)

type User struct {
	Email        string     `json:"email" dynamodbav:"email"`
	Username     string     `json:"username" dynamodbav:"username"`
	PasswordHash string     `json:"-" dynamodbav:"password_hash"`
	Verified     bool       `json:"verified" dynamodbav:"verified"`
	CreatedAt    time.Time  `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" dynamodbav:"updated_at"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty" dynamodbav:"verified_at,omitempty"`
}

func (u *User) GetPK() string {
	return "USER#" + u.Email
}

func (u *User) GetSK() string {
	return "METADATA"
}

// UsernamePK is the key of the item that reserves a username for one email.
func UsernamePK(username string) string {
	return "USERNAME#" + strings.ToLower(username)
}
