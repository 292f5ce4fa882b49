package message

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const crashJSON = `{
	"user_action": "ui error",
	"request": "",
	"content_language": "en",
	"service": "none",
	"package": "org.schabi.newpipe",
	"version": "0.21.9",
	"os": "Linux Android 11 - 30",
	"time": "2021-10-02 10:32",
	"exceptions": ["java.lang.RuntimeException: test exception\n\tat org.schabi.newpipe.error.ErrorActivity.onCreate(ErrorActivity.java:123)\n"],
	"user_comment": "it crashed"
}`

func plainMail(body string) []byte {
	return []byte("From: user@example.org\r\n" +
		"To: crashreport@newpipe.net\r\n" +
		"Date: Sat, 02 Oct 2021 10:35:00 +0000\r\n" +
		"Subject: Exception in NewPipe 0.21.9\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		body)
}

func TestParsePlainText(t *testing.T) {
	msg, err := Parse(plainMail("please find my crash report below\n\n" + crashJSON + "\n"))
	require.NoError(t, err)

	assert.Equal(t, "org.schabi.newpipe", msg.ExceptionInfo["package"])
	assert.Equal(t, "0.21.9", msg.ExceptionInfo["version"])
	assert.Contains(t, msg.Plaintext, "crash report")
}

func TestParseNoHeaders(t *testing.T) {
	// some clients send bodies without a Content-Type at all
	raw := []byte("From: user@example.org\r\n\r\n" + crashJSON)
	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "org.schabi.newpipe", msg.ExceptionInfo["package"])
}

func TestParseMultipart(t *testing.T) {
	raw := []byte("From: user@example.org\r\n" +
		"Content-Type: multipart/alternative; boundary=\"BOUNDARY\"\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"\r\n" +
		"binary junk\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		crashJSON + "\r\n" +
		"--BOUNDARY--\r\n")

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "org.schabi.newpipe", msg.ExceptionInfo["package"])
}

func TestParseNestedMultipart(t *testing.T) {
	raw := []byte("From: user@example.org\r\n" +
		"Content-Type: multipart/mixed; boundary=\"OUTER\"\r\n" +
		"\r\n" +
		"--OUTER\r\n" +
		"Content-Type: multipart/alternative; boundary=\"INNER\"\r\n" +
		"\r\n" +
		"--INNER\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		crashJSON + "\r\n" +
		"--INNER--\r\n" +
		"--OUTER--\r\n")

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "org.schabi.newpipe", msg.ExceptionInfo["package"])
}

func TestParseHTMLBody(t *testing.T) {
	// HTML-mode clients wrap the report in markup and escape the quotes
	escaped := strings.ReplaceAll(crashJSON, `"`, "&quot;")
	body := "<html><body><p>" + escaped + "</p></body></html>"

	raw := []byte("From: user@example.org\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		body)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "org.schabi.newpipe", msg.ExceptionInfo["package"])
	assert.NotContains(t, msg.Plaintext, "<html>")
}

func TestParseBase64(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(crashJSON))

	raw := []byte("From: user@example.org\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		encoded)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "org.schabi.newpipe", msg.ExceptionInfo["package"])
}

func TestParseQuotedPrintable(t *testing.T) {
	// soft line break in the middle of the JSON
	body := strings.Replace(crashJSON, `"package"`, "\"pack=\r\nage\"", 1)

	raw := []byte("From: user@example.org\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		body)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "org.schabi.newpipe", msg.ExceptionInfo["package"])
}

func TestParseWindows1252(t *testing.T) {
	// 0x92 is a curly apostrophe in windows-1252 and invalid UTF-8
	body := "it didn\x92t work\n" + crashJSON

	raw := []byte("From: user@example.org\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		body)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "org.schabi.newpipe", msg.ExceptionInfo["package"])
	assert.Contains(t, msg.Plaintext, "didn’t")
}

func TestParseLiteralNewlinesInStrings(t *testing.T) {
	// re-wrapped line inside a JSON string literal
	body := `{"package": "org.schabi.newpipe", "exceptions": ["java.lang.RuntimeException: a
	b"]}`

	raw := plainMail(body)
	msg, err := Parse(raw)
	require.NoError(t, err)

	exceptions, ok := msg.ExceptionInfo["exceptions"].([]any)
	require.True(t, ok)
	require.Len(t, exceptions, 1)
	assert.Contains(t, exceptions[0], "RuntimeException")
}

func TestParseNoJSON(t *testing.T) {
	_, err := Parse(plainMail("hello, my app crashed, please help"))
	assert.ErrorIs(t, err, ErrNoJSONFound)
}

func TestParseBadJSON(t *testing.T) {
	_, err := Parse(plainMail(`{"package": }`))
	assert.ErrorIs(t, err, ErrBadJSON)
}

func TestParseNoTextPart(t *testing.T) {
	raw := []byte("From: user@example.org\r\n" +
		"Content-Type: multipart/mixed; boundary=\"B\"\r\n" +
		"\r\n" +
		"--B\r\n" +
		"Content-Type: image/png\r\n" +
		"\r\n" +
		"junk\r\n" +
		"--B--\r\n")

	_, err := Parse(raw)
	assert.ErrorIs(t, err, ErrNoTextPart)
}

func TestHeaderDate(t *testing.T) {
	msg, err := Parse(plainMail(crashJSON))
	require.NoError(t, err)

	date, err := msg.HeaderDate()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 10, 2, 10, 35, 0, 0, time.UTC), date.UTC())
}

func TestReceivedDate(t *testing.T) {
	raw := []byte("From: user@example.org\r\n" +
		"Received: from mx.example.org by relay.example.org; Fri, 01 Oct 2021 09:00:00 +0000\r\n" +
		"Received: from relay.example.org by mail.example.org (Dovecot) with LMTP id abc123; Sat, 02 Oct 2021 10:36:00 +0000\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		crashJSON)

	msg, err := Parse(raw)
	require.NoError(t, err)

	date, err := msg.ReceivedDate()
	require.NoError(t, err)
	// the LMTP delivery header wins over the upstream relay
	assert.Equal(t, time.Date(2021, 10, 2, 10, 36, 0, 0, time.UTC), date.UTC())
}

func TestEscapeControlChars(t *testing.T) {
	in := []byte("{\"a\": \"x\ny\", \"b\": 1}")
	out := escapeControlChars(in)
	assert.Equal(t, `{"a": "x\ny", "b": 1}`, string(out))

	// control characters outside strings are left alone
	in = []byte("{\n\"a\": 1\n}")
	assert.Equal(t, string(in), string(escapeControlChars(in)))

	// already escaped sequences stay untouched
	in = []byte(`{"a": "x\ny"}`)
	assert.Equal(t, string(in), string(escapeControlChars(in)))
}
