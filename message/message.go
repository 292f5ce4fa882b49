// Package message parses crash report e-mails into their embedded payload.
//
// The reports are generated by the app's crash reporter as plain text with a
// JSON document in the body, but the mail clients used to send them mangle
// the body in every way imaginable: HTML-ification, entity escaping, charset
// changes, line re-wrapping inside string literals. Parsing is therefore
// best effort and every step tolerates as much damage as it can.
package message

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrNoTextPart means the message contains no text/plain or text/html part.
	ErrNoTextPart = errors.New("no text/plain or text/html part found")
	// ErrUndecodablePayload means no known charset could decode the body.
	ErrUndecodablePayload = errors.New("could not decode message payload")
	// ErrNoJSONFound means the body contains no JSON-looking region at all.
	ErrNoJSONFound = errors.New("could not find JSON in message body")
	// ErrBadJSON means a JSON-looking region was found but does not parse.
	ErrBadJSON = errors.New("could not parse JSON in message body")
)

var (
	jsonRegion = regexp.MustCompile(`(?s)(\{.*\})`)
	tagPolicy  = bluemonday.StrictPolicy()
)

// Message is a parsed crash report mail.
type Message struct {
	header mail.Header

	// Plaintext is the sanitized body of the first text part.
	Plaintext string
	// ExceptionInfo is the JSON document embedded in the body.
	ExceptionInfo map[string]any
}

// Parse reads a raw RFC822 message and extracts the embedded crash payload.
func Parse(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read rfc822 message: %w", err)
	}

	body, err := findTextPart(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return nil, err
	}

	decoded, err := decodeCharset(body)
	if err != nil {
		return nil, err
	}

	plaintext := sanitize(decoded)

	info, err := extractJSON(plaintext)
	if err != nil {
		return nil, err
	}

	return &Message{
		header:        msg.Header,
		Plaintext:     plaintext,
		ExceptionInfo: info,
	}, nil
}

// findTextPart walks the MIME structure and returns the decoded bytes of the
// first text/plain or text/html part. Multipart containers are descended
// recursively since some clients nest alternative inside mixed.
func findTextPart(contentType, transferEncoding string, body io.Reader) ([]byte, error) {
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// broken Content-Type header, assume plain text
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, ErrNoTextPart
		}

		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				// a damaged part must not hide later intact ones
				continue
			}

			data, err := findTextPart(
				part.Header.Get("Content-Type"),
				part.Header.Get("Content-Transfer-Encoding"),
				part,
			)
			if err == nil {
				return data, nil
			}
		}

		return nil, ErrNoTextPart
	}

	if mediaType != "text/plain" && mediaType != "text/html" {
		return nil, ErrNoTextPart
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read text part: %w", err)
	}

	return decodeContent(data, transferEncoding), nil
}

// decodeContent decodes content based on transfer encoding
func decodeContent(data []byte, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return data
		}
		return decoded
	case "quoted-printable":
		reader := quotedprintable.NewReader(bytes.NewReader(data))
		decoded, err := io.ReadAll(reader)
		if err != nil {
			return data
		}
		return decoded
	default:
		return data
	}
}

// decodeCharset tries the charsets observed in the wild, in order: ascii,
// utf-8, windows-1252.
func decodeCharset(data []byte) (string, error) {
	if isASCII(data) {
		return string(data), nil
	}

	if utf8.Valid(data) {
		return string(data), nil
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return "", ErrUndecodablePayload
	}

	return string(decoded), nil
}

func isASCII(data []byte) bool {
	for _, b := range data {
		if b > 0x7f {
			return false
		}
	}
	return true
}

// sanitize undoes the damage HTML-mode mail clients cause: normalize,
// unescape entities, strip tags, unescape what the stripper re-escaped,
// normalize again.
func sanitize(data string) string {
	normalized := norm.NFKD.String(data)
	unescaped := html.UnescapeString(normalized)
	stripped := tagPolicy.Sanitize(unescaped)
	return norm.NFKD.String(html.UnescapeString(stripped))
}

// extractJSON grabs the widest {...} region from the body and parses it,
// escaping any literal control characters mail clients wrapped into string
// literals.
func extractJSON(body string) (map[string]any, error) {
	match := jsonRegion.FindStringSubmatch(body)
	if match == nil {
		return nil, ErrNoJSONFound
	}

	data := norm.NFKD.String(match[1])

	info := map[string]any{}
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		// second chance with control characters escaped
		if err = json.Unmarshal(escapeControlChars([]byte(data)), &info); err != nil {
			return nil, ErrBadJSON
		}
	}

	return info, nil
}

// escapeControlChars replaces raw control characters inside JSON string
// literals with their escape sequences. Mail clients re-wrap long lines and
// the line breaks end up inside the "exceptions" strings.
func escapeControlChars(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data) + 16)

	inString := false
	escaped := false

	for _, b := range data {
		if inString && !escaped && b < 0x20 {
			switch b {
			case '\n':
				out.WriteString(`\n`)
			case '\r':
				out.WriteString(`\r`)
			case '\t':
				out.WriteString(`\t`)
			default:
				fmt.Fprintf(&out, `\u%04x`, b)
			}
			continue
		}

		switch {
		case escaped:
			escaped = false
		case b == '\\':
			escaped = true
		case b == '"':
			inString = !inString
		}

		out.WriteByte(b)
	}

	return out.Bytes()
}

// HeaderDate returns the date from the Date header.
func (m *Message) HeaderDate() (time.Time, error) {
	return m.header.Date()
}

// Header returns the raw value of the named header.
func (m *Message) Header(name string) string {
	return m.header.Get(name)
}

// ReceivedDate recovers an arrival time from the Received trace headers, for
// mails whose crash payload and Date header are both unusable. Headers added
// by the local delivery agent are preferred over upstream relays.
func (m *Message) ReceivedDate() (time.Time, error) {
	received := m.header["Received"]
	if len(received) == 0 {
		return time.Time{}, errors.New("no Received headers present")
	}

	ordered := make([]string, 0, len(received))
	for _, h := range received {
		if strings.Contains(h, "with LMTP id") {
			ordered = append(ordered, h)
		}
	}
	for _, h := range received {
		if !strings.Contains(h, "with LMTP id") {
			ordered = append(ordered, h)
		}
	}

	for _, h := range ordered {
		idx := strings.LastIndex(h, ";")
		if idx < 0 {
			continue
		}

		date, err := mail.ParseDate(strings.TrimSpace(h[idx+1:]))
		if err == nil {
			return date, nil
		}
	}

	return time.Time{}, errors.New("no parsable date in Received headers")
}
