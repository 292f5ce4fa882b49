package lmtp

import (
	"github.com/emersion/go-smtp"

	"github.com/TeamNewPipe/crash-report-importer/config"
)

// NewServer configures a go-smtp server in LMTP mode for the given backend.
func NewServer(cfg *config.Config, backend *Backend) *smtp.Server {
	s := smtp.NewServer(backend)

	s.Addr = cfg.Addr
	s.Domain = cfg.Hostname
	s.LMTP = true
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxMessageBytes = cfg.MaxMessageSize
	s.MaxRecipients = 10
	s.EnableSMTPUTF8 = true

	return s
}
