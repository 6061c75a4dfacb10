package models

import "time"

type OTPData struct {
	OTPHash   string    `json:"otp_hash" dynamodbav:"OTPHash"`
	Email     string    `json:"email" dynamodbav:"Email"`
	Attempts  int       `json:"attempts" dynamodbav:"Attempts"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"CreatedAt"`
	ExpiresAt time.Time `json:"expires_at" dynamodbav:"ExpiresAt"`
}

// Expired reports whether the code is no longer usable at now.
func (o *OTPData) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
