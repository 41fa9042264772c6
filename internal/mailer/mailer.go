package mailer

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"

	"github.com/spf13/viper"
)

// Sender dispatches one-way notification emails. Delivery is best effort;
// callers must never fail a request because an email did not go out.
type Sender interface {
	Send(to, subject, htmlBody string) error
}

// SMTPSender sends mail through a plain SMTP relay.
type SMTPSender struct {
	host     string
	port     string
	username string
	password string
	from     string
}

// NewSMTPSender builds a sender from viper config.
func NewSMTPSender() *SMTPSender {
	viper.SetDefault("smtp.host", "smtp.gmail.com")
	viper.SetDefault("smtp.port", "587")

	return &SMTPSender{
		host:     viper.GetString("smtp.host"),
		port:     viper.GetString("smtp.port"),
		username: viper.GetString("smtp.username"),
		password: viper.GetString("smtp.password"),
		from:     viper.GetString("smtp.from"),
	}
}

func (s *SMTPSender) Send(to, subject, htmlBody string) error {
	from := s.from
	if from == "" {
		from = s.username
	}

	var msg strings.Builder
	msg.WriteString("From: " + from + "\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)

	addr := s.host + ":" + s.port
	auth := smtp.PlainAuth("", s.username, s.password, s.host)

	if err := smtp.SendMail(addr, auth, from, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send to %s failed: %w", to, err)
	}
	return nil
}

// SendOTPEmail dispatches a signup OTP asynchronously. Failures are logged
// and never reach the caller.
func SendOTPEmail(sender Sender, email, otp string) {
	body := fmt.Sprintf(`<h2>Your Signup OTP</h2>
<p>Thank you for signing up! Use the OTP below to complete your registration.</p>
<h3>%s</h3>
<p>If you did not request this OTP, please ignore this email.</p>`, otp)

	go func() {
		if err := sender.Send(email, "Your Signup OTP", body); err != nil {
			log.Printf("[MAIL] Failed to send OTP email to %s: %v", email, err)
			return
		}
		log.Printf("[MAIL] OTP email sent to %s", email)
	}()
}
