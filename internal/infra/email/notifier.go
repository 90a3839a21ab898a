package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	"go.uber.org/zap"
)

type SMTPNotifier struct {
	host     string
	port     int
	from     string
	fallback string
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger   *zap.Logger
}

// NewSMTPNotifier sends to the requester, or to fallback when the job has no
// e-mail on record.
func NewSMTPNotifier(host string, port int, from, fallback string, logger *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{host: host, port: port, from: from, fallback: fallback, send: smtp.SendMail, logger: logger}
}

func (n *SMTPNotifier) NotifyFailure(_ context.Context, notice port.FailureNotice) error {
	to := strings.TrimSpace(notice.Email)
	if to == "" {
		to = n.fallback
	}
	if to == "" {
		n.logger.Warn("no recipient for failure notification", zap.String("job_id", notice.JobID))
		return nil
	}

	addr := fmt.Sprintf("%s:%d", n.host, n.port)
	msg := buildFailureMessage(n.from, to, notice)

	if err := n.send(addr, nil, n.from, []string{to}, []byte(msg)); err != nil {
		n.logger.Error("failed to send failure notification email",
			zap.String("to", to),
			zap.String("job_id", notice.JobID),
			zap.Error(err),
		)
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("failure notification email sent",
		zap.String("to", to),
		zap.String("job_id", notice.JobID),
	)
	return nil
}

func buildFailureMessage(from, to string, notice port.FailureNotice) string {
	subject := fmt.Sprintf("Defactra - Property inspection failed [Job %s]", notice.JobID)
	address := notice.Address
	if address == "" {
		address = "(not provided)"
	}
	body := fmt.Sprintf(
		"Hello,\r\n\r\n"+
			"The automated inspection of your walkthrough video could not be completed.\r\n\r\n"+
			"Job ID: %s\r\n"+
			"Property: %s\r\n"+
			"Video: %s\r\n"+
			"Reason: %s\r\n\r\n"+
			"Please check that the file is a playable MP4, AVI, MOV, MKV or WEBM video and upload it again.\r\n\r\n"+
			"-- Defactra Inspection Service",
		notice.JobID, address, notice.VideoKey, notice.Reason,
	)
	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", from, to, subject, body)
}
