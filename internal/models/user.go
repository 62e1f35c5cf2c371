package models

import "time"

// DefaultFullName is used when the identity service does not return a name.
const DefaultFullName = "New User"

// UserProfile is the users/{uid} record, created on first successful
// authentication and never deleted.
type UserProfile struct {
	UID            string    `firestore:"-" json:"uid"`
	FullName       string    `firestore:"full_name" json:"full_name"`
	LegacyFullName string    `firestore:"fullName,omitempty" json:"-"`
	ICNumber       string    `firestore:"ic_number,omitempty" json:"ic_number,omitempty"`
	PhoneNumber    string    `firestore:"phone_number,omitempty" json:"phone_number,omitempty"`
	CreatedAt      time.Time `firestore:"created_at,serverTimestamp" json:"created_at"`
}

// DisplayName falls back through both name fields to "User".
func (p *UserProfile) DisplayName() string {
	switch {
	case p == nil:
		return "User"
	case p.FullName != "":
		return p.FullName
	case p.LegacyFullName != "":
		return p.LegacyFullName
	default:
		return "User"
	}
}

// OTPChallenge is a pending phone verification.
type OTPChallenge struct {
	VerificationID string    `json:"verificationId"`
	Phone          string    `json:"phone"`
	CodeHash       string    `json:"codeHash"`
	ExpiresAt      time.Time `json:"expiresAt"`
}
