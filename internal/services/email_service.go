package services

import (
	"context"
	"fmt"
	"html"

	"gopkg.in/gomail.v2"

	"gossiphub/internal/models"
)

type EmailService interface {
	SendNotificationEmail(to string, n *models.Notification) error
}

type emailService struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailService(smtpHost string, smtpPort int, smtpUser, smtpPassword, fromEmail string) EmailService {
	dialer := gomail.NewDialer(smtpHost, smtpPort, smtpUser, smtpPassword)
	return &emailService{
		dialer: dialer,
		from:   fromEmail,
	}
}

var notificationSubjects = map[models.NotificationType]string{
	models.NotifyNewMessage:     "You have a new message",
	models.NotifyMissedCall:     "You missed a call",
	models.NotifyGroupInvite:    "You were added to a group",
	models.NotifyFriendRequest:  "New friend request",
	models.NotifyFriendAccepted: "Friend request accepted",
	models.NotifySystem:         "Notice",
}

func notificationMessage(from, to string, n *models.Notification) *gomail.Message {
	subject, ok := notificationSubjects[n.Type]
	if !ok {
		subject = "Notification"
	}
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)

	body := fmt.Sprintf(`
		<h3>%s</h3>
		<p>%s</p>
		<p><small>%s</small></p>
	`, html.EscapeString(subject), html.EscapeString(n.Content), n.CreatedAt.Format("02.01.2006 15:04"))

	m.SetBody("text/html", body)
	return m
}

func (s *emailService) SendNotificationEmail(to string, n *models.Notification) error {
	if err := s.dialer.DialAndSend(notificationMessage(s.from, to, n)); err != nil {
		return fmt.Errorf("failed to send notification email: %w", err)
	}
	return nil
}

// EmailChannel forwards offline notifications by mail.
type EmailChannel struct {
	Mailer EmailService
}

func (EmailChannel) Name() string { return "email" }

func (c EmailChannel) Deliver(_ context.Context, target *models.NotificationTarget, n *models.Notification) error {
	if target.Email == "" {
		return nil
	}
	return c.Mailer.SendNotificationEmail(target.Email, n)
}
