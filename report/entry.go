// Package report models a single imported crash report.
package report

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/TeamNewPipe/crash-report-importer/message"
)

// layouts the crash reporter has been observed to put into the "time" field
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Entry is a crash report extracted from a mail, ready for storage.
type Entry struct {
	// From is kept only as hash input, it is never persisted
	From string
	To   string
	Date time.Time

	Plaintext     string
	ExceptionInfo map[string]any
}

// NewEntry builds an Entry from a parsed message and its envelope addresses.
// The entry's identity is derived from the message's own From/To headers so
// a replayed mail hashes the same as its original delivery, regardless of
// the envelope sender a replay uses; envelope addresses only fill in when a
// header is missing.
func NewEntry(msg *message.Message, envFrom, envTo string) (*Entry, error) {
	from := msg.Header("From")
	if from == "" {
		from = envFrom
	}

	to := msg.Header("To")
	if to == "" {
		to = envTo
	}

	e := &Entry{
		From:          from,
		To:            to,
		Plaintext:     msg.Plaintext,
		ExceptionInfo: msg.ExceptionInfo,
	}

	date, err := resolveDate(msg)
	if err != nil {
		return nil, fmt.Errorf("resolve report date: %w", err)
	}
	e.Date = date

	return e, nil
}

// resolveDate finds the most trustworthy timestamp for the report: the
// payload's own "time" field first, then the Date header, then the Received
// trace. Anything claiming to predate 2010 (the app did not exist) is treated
// as clock garbage and skipped.
func resolveDate(msg *message.Message) (time.Time, error) {
	if raw, ok := msg.ExceptionInfo["time"].(string); ok {
		for _, layout := range timeLayouts {
			date, err := time.ParseInLocation(layout, raw, time.UTC)
			if err == nil && date.Year() >= 2010 {
				return date, nil
			}
		}
	}

	if date, err := msg.HeaderDate(); err == nil && date.Year() >= 2010 {
		return date, nil
	}

	if date, err := msg.ReceivedDate(); err == nil && date.Year() >= 2010 {
		return date, nil
	}

	return time.Time{}, errors.New("no usable date in payload or headers")
}

// Package returns the reporting app's package name, or an empty string.
func (e *Entry) Package() string {
	pkg, _ := e.ExceptionInfo["package"].(string)
	return pkg
}

// Version returns the reporting app's version, or an empty string.
func (e *Entry) Version() string {
	version, _ := e.ExceptionInfo["version"].(string)
	return version
}

// HashID returns the entry's content-derived identity: a SHA256 over sender,
// recipient and report time. Re-delivered mail maps to the same ID.
func (e *Entry) HashID() string {
	h := sha256.New()
	h.Write([]byte(e.From + e.To))
	h.Write([]byte(e.Date.Format("20060102150405")))
	return hex.EncodeToString(h.Sum(nil))
}

// EventID derives the 32 character event identifier the ingestion API
// expects from the 64 character hash ID, so events can be cross-referenced
// with the on-disk entries.
func (e *Entry) EventID() string {
	sum := md5.Sum([]byte(e.HashID()))
	return hex.EncodeToString(sum[:])
}

type entryJSON struct {
	To            string         `json:"to"`
	Timestamp     int64          `json:"timestamp"`
	Plaintext     string         `json:"plaintext"`
	ExceptionInfo map[string]any `json:"newpipe-exception-info"`
}

// MarshalJSON serializes the entry for the directory storage. The sender is
// deliberately left out: it is not needed for re-imports and would identify
// reporters long after the fact.
func (e *Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{
		To:            e.To,
		Timestamp:     e.Date.Unix(),
		Plaintext:     e.Plaintext,
		ExceptionInfo: e.ExceptionInfo,
	})
}
