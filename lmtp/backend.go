// Package lmtp implements the mail-facing side of the importer: an LMTP
// server that accepts crash report mail for the allow-listed addresses,
// spools it to disk and hands it to the import handler.
package lmtp

import (
	"context"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Envelope is one accepted mail delivery.
type Envelope struct {
	// ID identifies this delivery and keys its raw spool file. A connection
	// can carry many deliveries, so this is not the session UUID.
	ID         string
	From       string
	To         []string
	ReceivedAt time.Time
	Raw        []byte
}

// Handler consumes accepted deliveries. Errors are the importer's problem,
// never the sending MTA's: they are reported out of band and the delivery
// still counts as successful.
type Handler func(ctx context.Context, env *Envelope) error

// Spooler persists raw message bytes before parsing begins.
type Spooler interface {
	SpoolRaw(id string, raw []byte) (string, error)
}

// Backend implements the go-smtp backend interface.
type Backend struct {
	allowed map[string]struct{}
	handler Handler
	spool   Spooler
	log     *zap.Logger
}

// NewBackend creates the LMTP backend.
func NewBackend(allowedRecipients []string, handler Handler, spool Spooler, log *zap.Logger) *Backend {
	allowed := make(map[string]struct{}, len(allowedRecipients))
	for _, addr := range allowedRecipients {
		allowed[addr] = struct{}{}
	}

	return &Backend{
		allowed: allowed,
		handler: handler,
		spool:   spool,
		log:     log,
	}
}

// NewSession is called when a new connection is established.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	session := &Session{
		backend:    b,
		conn:       c,
		uuid:       uuid.NewString(),
		remoteAddr: c.Conn().RemoteAddr().String(),
		log:        b.log,
	}

	b.log.Debug("new LMTP connection",
		zap.String("uuid", session.uuid),
		zap.String("remote_addr", session.remoteAddr),
	)

	return session, nil
}
