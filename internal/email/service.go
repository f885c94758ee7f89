// Package email turns account events into outbound mail.
package email

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"chatrelay/internal/eventbus"
	"chatrelay/internal/events"

	"go.uber.org/zap"
)

type Service struct {
	sender  Sender
	baseURL string
	log     *zap.Logger
}

// NewService builds links from baseURL, the public address of the web app.
func NewService(sender Sender, baseURL string, log *zap.Logger) *Service {
	return &Service{
		sender:  sender,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log.Named("email"),
	}
}

// Register binds the service's handlers on the registry.
func (s *Service) Register(r *eventbus.Registry) error {
	if err := eventbus.Register(r, s.HandleAccountCreated); err != nil {
		return err
	}
	return eventbus.Register(r, s.HandleRequestResetPassword)
}

// HandleAccountCreated sends the confirmation email, unless the address is
// already verified.
func (s *Service) HandleAccountCreated(ctx context.Context, ev events.AccountCreated) error {
	if ev.EmailVerified {
		s.log.Debug("email already verified, nothing to send", zap.String("account_id", ev.AccountID))
		return nil
	}

	body, err := render(confirmTemplate, linkData{
		Name: ev.AccountName,
		Link: s.link("/email/verify", ev.VerificationToken),
	})
	if err != nil {
		return eventbus.Permanent(fmt.Errorf("render confirmation: %w", err))
	}

	if err := s.sender.Send(ctx, Message{
		To:      ev.AccountEmail,
		Subject: "Confirm your email address",
		HTML:    body,
	}); err != nil {
		return err
	}
	s.log.Info("confirmation email sent", zap.String("account_id", ev.AccountID))
	return nil
}

func (s *Service) HandleRequestResetPassword(ctx context.Context, ev events.RequestResetPassword) error {
	body, err := render(resetTemplate, linkData{
		Name: ev.AccountName,
		Link: s.link("/password/reset", ev.Token),
	})
	if err != nil {
		return eventbus.Permanent(fmt.Errorf("render reset: %w", err))
	}

	if err := s.sender.Send(ctx, Message{
		To:      ev.AccountEmail,
		Subject: "Reset your password",
		HTML:    body,
	}); err != nil {
		return err
	}
	s.log.Info("reset email sent", zap.String("account_id", ev.AccountID))
	return nil
}

func (s *Service) link(path, token string) string {
	return s.baseURL + path + "?token=" + url.QueryEscape(token)
}
