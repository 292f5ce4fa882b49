package lmtp

import (
	"context"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSpool struct {
	spooled map[string][]byte
	err     error
}

func (m *mockSpool) SpoolRaw(id string, raw []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if m.spooled == nil {
		m.spooled = map[string][]byte{}
	}
	m.spooled[id] = append([]byte(nil), raw...)
	return "/mails/raw/" + id + ".eml", nil
}

type statusRecorder struct {
	statuses map[string]error
}

func (s *statusRecorder) SetStatus(rcptTo string, err error) {
	if s.statuses == nil {
		s.statuses = map[string]error{}
	}
	s.statuses[rcptTo] = err
}

func newTestSession(handler Handler, spool Spooler) *Session {
	backend := NewBackend(
		[]string{"crashreport@newpipe.net", "crashreport@newpipe.schabi.org"},
		handler,
		spool,
		zap.NewNop(),
	)

	return &Session{
		backend:    backend,
		uuid:       "test-session",
		remoteAddr: "127.0.0.1:12345",
		log:        zap.NewNop(),
	}
}

func TestRcptAllowList(t *testing.T) {
	s := newTestSession(nil, &mockSpool{})

	require.NoError(t, s.Rcpt("crashreport@newpipe.net", nil))
	require.NoError(t, s.Rcpt("crashreport@newpipe.schabi.org", nil))
	assert.Equal(t, []string{
		"crashreport@newpipe.net",
		"crashreport@newpipe.schabi.org",
	}, s.to)

	err := s.Rcpt("someone@else.example", nil)
	require.Error(t, err)

	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 550, smtpErr.Code)
}

func TestLMTPDataAcceptsAndDispatches(t *testing.T) {
	var handled *Envelope
	handler := func(_ context.Context, env *Envelope) error {
		handled = env
		return nil
	}

	spool := &mockSpool{}
	s := newTestSession(handler, spool)

	require.NoError(t, s.Mail("user@example.org", nil))
	require.NoError(t, s.Rcpt("crashreport@newpipe.net", nil))

	raw := "From: user@example.org\r\n\r\nbody"
	status := &statusRecorder{}
	require.NoError(t, s.LMTPData(strings.NewReader(raw), status))

	// delivery acknowledged for the recipient
	require.Contains(t, status.statuses, "crashreport@newpipe.net")
	assert.NoError(t, status.statuses["crashreport@newpipe.net"])

	require.NotNil(t, handled)
	assert.Equal(t, "user@example.org", handled.From)
	assert.Equal(t, []string{"crashreport@newpipe.net"}, handled.To)
	assert.Equal(t, []byte(raw), handled.Raw)

	// raw bytes hit the spool before the handler ran, keyed by the
	// delivery id the handler saw
	require.NotEmpty(t, handled.ID)
	assert.Equal(t, []byte(raw), spool.spooled[handled.ID])
}

func TestLMTPDataSpoolsEveryTransaction(t *testing.T) {
	var handled []*Envelope
	handler := func(_ context.Context, env *Envelope) error {
		handled = append(handled, env)
		return nil
	}

	spool := &mockSpool{}
	s := newTestSession(handler, spool)

	deliver := func(body string) {
		require.NoError(t, s.Mail("a@example.org", nil))
		require.NoError(t, s.Rcpt("crashreport@newpipe.net", nil))

		status := &statusRecorder{}
		require.NoError(t, s.LMTPData(strings.NewReader("From: a@example.org\r\n\r\n"+body), status))
		assert.NoError(t, status.statuses["crashreport@newpipe.net"])
	}

	// two transactions on the same connection, as a replay of several files
	// produces
	deliver("FIRST")
	s.Reset()
	deliver("SECOND")

	require.Len(t, handled, 2)
	assert.NotEqual(t, handled[0].ID, handled[1].ID)

	require.Len(t, spool.spooled, 2)
	assert.Contains(t, string(spool.spooled[handled[0].ID]), "FIRST")
	assert.Contains(t, string(spool.spooled[handled[1].ID]), "SECOND")
}

func TestLMTPDataHandlerErrorStillAccepts(t *testing.T) {
	handler := func(context.Context, *Envelope) error {
		return assert.AnError
	}

	s := newTestSession(handler, &mockSpool{})
	require.NoError(t, s.Mail("user@example.org", nil))
	require.NoError(t, s.Rcpt("crashreport@newpipe.net", nil))

	status := &statusRecorder{}
	// a failing import must not bounce the mail; it was delivered fine
	require.NoError(t, s.LMTPData(strings.NewReader("From: a@b\r\n\r\nx"), status))
	assert.NoError(t, status.statuses["crashreport@newpipe.net"])
}

func TestLMTPDataHandlerPanicIsContained(t *testing.T) {
	handler := func(context.Context, *Envelope) error {
		panic("boom")
	}

	s := newTestSession(handler, &mockSpool{})
	require.NoError(t, s.Mail("user@example.org", nil))
	require.NoError(t, s.Rcpt("crashreport@newpipe.net", nil))

	status := &statusRecorder{}
	assert.NotPanics(t, func() {
		require.NoError(t, s.LMTPData(strings.NewReader("From: a@b\r\n\r\nx"), status))
	})
	assert.NoError(t, status.statuses["crashreport@newpipe.net"])
}

func TestLMTPDataSpoolFailure(t *testing.T) {
	var handled bool
	handler := func(context.Context, *Envelope) error {
		handled = true
		return nil
	}

	s := newTestSession(handler, &mockSpool{err: assert.AnError})
	require.NoError(t, s.Mail("user@example.org", nil))
	require.NoError(t, s.Rcpt("crashreport@newpipe.net", nil))

	status := &statusRecorder{}
	require.NoError(t, s.LMTPData(strings.NewReader("From: a@b\r\n\r\nx"), status))

	// mail we cannot persist is deferred, not imported
	err := status.statuses["crashreport@newpipe.net"]
	require.Error(t, err)

	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 451, smtpErr.Code)
	assert.False(t, handled)
}

func TestDataDelegates(t *testing.T) {
	var handled bool
	handler := func(context.Context, *Envelope) error {
		handled = true
		return nil
	}

	s := newTestSession(handler, &mockSpool{})
	require.NoError(t, s.Mail("user@example.org", nil))
	require.NoError(t, s.Rcpt("crashreport@newpipe.net", nil))
	require.NoError(t, s.Data(strings.NewReader("From: a@b\r\n\r\nx")))
	assert.True(t, handled)
}

func TestReset(t *testing.T) {
	s := newTestSession(nil, &mockSpool{})
	require.NoError(t, s.Mail("user@example.org", nil))
	require.NoError(t, s.Rcpt("crashreport@newpipe.net", nil))

	s.Reset()
	assert.Empty(t, s.from)
	assert.Empty(t, s.to)
	assert.Zero(t, s.mailData.Len())
}
