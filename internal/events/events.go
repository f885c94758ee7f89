// Package events defines the domain events exchanged between services.
package events

import "chatrelay/internal/eventbus"

const (
	NameAccountCreated       eventbus.Name = "AccountCreated"
	NameRequestResetPassword eventbus.Name = "RequestResetPassword"
)

// AccountCreated is published by the account service after sign-up.
// VerificationToken is only set when the email still needs confirming.
type AccountCreated struct {
	AccountID         string `json:"accountId" validate:"required,uuid"`
	AccountName       string `json:"accountName" validate:"required,max=50"`
	AccountEmail      string `json:"accountEmail" validate:"required,email"`
	EmailVerified     bool   `json:"emailVerified"`
	VerificationToken string `json:"verificationToken,omitempty" validate:"required_if=EmailVerified false"`
}

func (AccountCreated) EventName() eventbus.Name { return NameAccountCreated }

// RequestResetPassword is published when an account asks for a reset link.
type RequestResetPassword struct {
	AccountID    string `json:"accountId" validate:"required,uuid"`
	AccountName  string `json:"accountName" validate:"required,max=50"`
	AccountEmail string `json:"accountEmail" validate:"required,email"`
	Token        string `json:"token" validate:"required"`
}

func (RequestResetPassword) EventName() eventbus.Name { return NameRequestResetPassword }
