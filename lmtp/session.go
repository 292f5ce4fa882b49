package lmtp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session represents one LMTP connection.
type Session struct {
	backend    *Backend
	conn       *smtp.Conn
	uuid       string
	remoteAddr string
	log        *zap.Logger

	// envelope data
	from string
	to   []string

	// txID identifies the current mail transaction. It is rotated for every
	// DATA command: a session handles many transactions and spool files are
	// keyed by this ID.
	txID string

	// mail data accumulated during DATA
	mailData bytes.Buffer
}

// Mail is called for the MAIL FROM command
func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	s.log.Debug("MAIL FROM",
		zap.String("uuid", s.uuid),
		zap.String("from", from),
	)
	return nil
}

// Rcpt is called for the RCPT TO command. Only the crash report addresses
// are accepted; everything else is refused at this stage so the upstream MTA
// bounces misdirected mail instead of us silently eating it.
func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if _, ok := s.backend.allowed[to]; !ok {
		s.log.Debug("RCPT TO refused",
			zap.String("uuid", s.uuid),
			zap.String("to", to),
		)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      fmt.Sprintf("not handling mail for address %s", to),
		}
	}

	s.to = append(s.to, to)
	s.log.Debug("RCPT TO",
		zap.String("uuid", s.uuid),
		zap.String("to", to),
	)
	return nil
}

// Data is called when the DATA command is received.
func (s *Session) Data(r io.Reader) error {
	if err := s.receive(r); err != nil {
		return err
	}

	s.process()
	return nil
}

// LMTPData handles the LMTP per-recipient status protocol. The delivery is
// acknowledged for every recipient once the raw bytes are on disk; whatever
// the import pipeline does afterwards is not the sending MTA's concern.
func (s *Session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	err := s.receive(r)
	for _, rcpt := range s.to {
		status.SetStatus(rcpt, err)
	}
	if err != nil {
		return nil
	}

	s.process()
	return nil
}

// receive reads the message body and spools it. A spool failure is the one
// case where delivery is refused with a temporary error, since accepting
// mail we cannot persist would violate the no-loss contract.
func (s *Session) receive(r io.Reader) error {
	s.txID = uuid.NewString()

	s.mailData.Reset()
	if _, err := io.Copy(&s.mailData, r); err != nil {
		s.log.Error("failed to read mail data",
			zap.String("uuid", s.uuid),
			zap.String("tx", s.txID),
			zap.Error(err),
		)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "failed to read message",
		}
	}

	path, err := s.backend.spool.SpoolRaw(s.txID, s.mailData.Bytes())
	if err != nil {
		s.log.Error("failed to spool mail",
			zap.String("uuid", s.uuid),
			zap.String("tx", s.txID),
			zap.Error(err),
		)
		sentry.CaptureException(err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "failed to store message",
		}
	}

	s.log.Info("mail received",
		zap.String("uuid", s.uuid),
		zap.String("tx", s.txID),
		zap.String("from", s.from),
		zap.Strings("to", s.to),
		zap.Int("size", s.mailData.Len()),
		zap.String("spool", path),
	)

	return nil
}

// process runs the import handler on the received mail. Handler errors and
// panics are logged and reported to the self-diagnostic destination; they
// never reach the mail reply path and never take the server down.
func (s *Session) process() {
	env := &Envelope{
		ID:         s.txID,
		From:       s.from,
		To:         append([]string(nil), s.to...),
		ReceivedAt: time.Now(),
		Raw:        append([]byte(nil), s.mailData.Bytes()...),
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while handling mail",
				zap.String("uuid", s.uuid),
				zap.Any("panic", r),
			)
			sentry.CurrentHub().Recover(r)
		}
	}()

	if err := s.backend.handler(context.Background(), env); err != nil {
		s.log.Error("failed to import mail",
			zap.String("uuid", s.uuid),
			zap.Error(err),
		)
		sentry.CaptureException(err)
	}
}

// Reset is called for the RSET command
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
	s.txID = ""
	s.mailData.Reset()
	s.log.Debug("session reset", zap.String("uuid", s.uuid))
}

// Logout is called when the connection closes
func (s *Session) Logout() error {
	s.log.Debug("connection closed", zap.String("uuid", s.uuid))
	return nil
}
