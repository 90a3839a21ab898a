package email

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestNotifier(t *testing.T, fallback string, sendErr error) (*SMTPNotifier, *[]sentMail) {
	var sent []sentMail
	n := NewSMTPNotifier("mailhog", 1025, "noreply@defactra.local", fallback, zaptest.NewLogger(t))
	n.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return sendErr
	}
	return n, &sent
}

func TestNotifyFailureSendsToRequester(t *testing.T) {
	n, sent := newTestNotifier(t, "ops@defactra.local", nil)

	err := n.NotifyFailure(context.Background(), port.FailureNotice{
		Email:    "owner@example.com",
		JobID:    "job-1",
		Address:  "12 Elm Street",
		VideoKey: "p/job-1.mp4",
		Reason:   "open video: moov atom not found",
	})
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	m := (*sent)[0]
	assert.Equal(t, "mailhog:1025", m.addr)
	assert.Equal(t, []string{"owner@example.com"}, m.to)
	assert.Contains(t, m.msg, "Subject: Defactra - Property inspection failed [Job job-1]")
	assert.Contains(t, m.msg, "12 Elm Street")
	assert.Contains(t, m.msg, "moov atom not found")
}

func TestNotifyFailureFallsBackToOperator(t *testing.T) {
	n, sent := newTestNotifier(t, "ops@defactra.local", nil)

	require.NoError(t, n.NotifyFailure(context.Background(), port.FailureNotice{JobID: "job-2"}))
	require.Len(t, *sent, 1)
	assert.Equal(t, []string{"ops@defactra.local"}, (*sent)[0].to)
}

func TestNotifyFailureWithoutRecipient(t *testing.T) {
	n, sent := newTestNotifier(t, "", nil)

	require.NoError(t, n.NotifyFailure(context.Background(), port.FailureNotice{JobID: "job-3"}))
	assert.Empty(t, *sent)
}

func TestNotifyFailureSendError(t *testing.T) {
	n, _ := newTestNotifier(t, "", errors.New("connection refused"))

	err := n.NotifyFailure(context.Background(), port.FailureNotice{Email: "owner@example.com", JobID: "job-4"})
	assert.ErrorContains(t, err, "connection refused")
}
