package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/TeamNewPipe/crash-report-importer/report"
)

const (
	// sdk descriptor the ingestion API insists on
	sdkName    = "newpipe.crashreportimporter"
	sdkVersion = "0.0.1"

	userAgent = "NewPipe Crash Report Importer"
)

var (
	// a Java/Kotlin stack frame: "package.Class.method(File.kt:123)"
	frameRegexp = regexp.MustCompile(`(.+)\(([a-zA-Z0-9:.\s]+)\)`)
	// file and line inside the parentheses; "Unknown Source" shows up for lambdas
	fileLineRegexp = regexp.MustCompile(`(Unknown\s+Source|(?:[a-zA-Z]+\.(?:kt|java)+)):([0-9]+)`)
)

// Frame is a single stack frame in the event payload. All attributes are
// optional per the event format; line numbers are absent for native and
// java.* builtin frames.
type Frame struct {
	Filename string `json:"filename"`
	Function string `json:"function"`
	Package  string `json:"package"`
	Lineno   *int   `json:"lineno"`
	InApp    bool   `json:"in_app"`
}

// Stacktrace carries the parsed frames of one exception.
type Stacktrace struct {
	Frames []Frame `json:"frames"`
}

// Exception is one entry of the event's exception list.
type Exception struct {
	Type       string     `json:"type"`
	Value      string     `json:"value"`
	Module     string     `json:"module,omitempty"`
	Stacktrace Stacktrace `json:"stacktrace"`
}

type exceptionList struct {
	Values []Exception `json:"values"`
}

type sdkInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Event is the payload POSTed to the store API. Optional keys are sent as
// explicit nulls so the backend does not guesstimate values for them.
type Event struct {
	EventID   string         `json:"event_id"`
	Timestamp int64          `json:"timestamp"`
	Platform  string         `json:"platform"`
	Message   string         `json:"message"`
	Exception exceptionList  `json:"exception"`
	Extra     map[string]any `json:"extra"`
	Tags      map[string]any `json:"tags"`
	Release   *string        `json:"release"`
	SDK       sdkInfo        `json:"sdk"`
	Level     string         `json:"level"`
}

// GlitchtipStorage submits crash report entries to one ingestion
// destination. Every destination is bound to exactly one app package name;
// reports claiming a different package are refused.
type GlitchtipStorage struct {
	dsn     *DSN
	pkg     string
	client  *http.Client
	log     *zap.Logger
	baseURL string
}

// NewGlitchtipStorage parses the DSN and returns a storage bound to the
// given package name.
func NewGlitchtipStorage(rawDSN, pkg string, log *zap.Logger) (*GlitchtipStorage, error) {
	const op = errors.Op("glitchtip_storage_init")

	dsn, err := ParseDSN(rawDSN)
	if err != nil {
		return nil, errors.E(op, err)
	}

	return &GlitchtipStorage{
		dsn:     dsn,
		pkg:     pkg,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
		baseURL: dsn.StoreAPIURL(),
	}, nil
}

// Package returns the app package name this destination accepts.
func (g *GlitchtipStorage) Package() string {
	return g.pkg
}

// Save builds the event payload and submits it to the store API.
func (g *GlitchtipStorage) Save(ctx context.Context, entry *report.Entry) error {
	const op = errors.Op("glitchtip_storage_save")

	event, err := g.BuildEvent(entry)
	if err != nil {
		return errors.E(op, err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return errors.E(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(body))
	if err != nil {
		return errors.E(op, err)
	}

	req.Header.Set("X-Sentry-Auth", g.dsn.AuthHeader())
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.E(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		g.log.Error("store API rejected event",
			zap.String("event_id", event.EventID),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet),
		)
		return errors.E(op, errors.Str(fmt.Sprintf("store API returned status %d", resp.StatusCode)))
	}

	g.log.Debug("event stored",
		zap.String("event_id", event.EventID),
		zap.String("project", g.dsn.ProjectID()),
	)

	return nil
}

// BuildEvent converts an entry into the event payload, parsing the raw
// Java/Kotlin stack trace carried in the payload's "exceptions" strings.
func (g *GlitchtipStorage) BuildEvent(entry *report.Entry) (*Event, error) {
	const op = errors.Op("glitchtip_build_event")

	rawData, err := joinExceptions(entry.ExceptionInfo)
	if err != nil {
		return nil, errors.E(op, err)
	}

	// mail clients wrap lines, flatten before splitting into frames
	flattened := strings.NewReplacer("\n", " ", "\r", " ").Replace(rawData)
	rawFrames := strings.Split(flattened, "\tat")

	// both exception name and message live in the first chunk
	message := rawFrames[0]

	frames := make([]Frame, 0, len(rawFrames)-1)
	for _, rawFrame := range rawFrames[1:] {
		frame, err := parseFrame(strings.TrimSpace(rawFrame))
		if err != nil {
			return nil, errors.E(op, err)
		}
		frames = append(frames, frame)
	}

	excType, excValue, excModule := splitExceptionMessage(message)

	event := &Event{
		EventID:   entry.EventID(),
		Timestamp: entry.Date.Unix(),
		// java enables the right conveniences for Android traces
		Platform: "java",
		Message:  message,
		Exception: exceptionList{
			Values: []Exception{{
				Type:       excType,
				Value:      excValue,
				Module:     excModule,
				Stacktrace: Stacktrace{Frames: frames},
			}},
		},
		Extra: map[string]any{
			"user_comment": nil,
			"request":      nil,
			"user_action":  nil,
		},
		Tags: map[string]any{
			"os":               nil,
			"service":          nil,
			"content_language": nil,
		},
		SDK:   sdkInfo{Name: sdkName, Version: sdkVersion},
		Level: "error",
	}

	if version := entry.Version(); version != "" {
		event.Release = &version
	}

	for _, key := range []string{"user_comment", "request", "user_action"} {
		if value, ok := entry.ExceptionInfo[key]; ok {
			event.Extra[key] = value
		}
	}

	for _, key := range []string{"os", "service", "content_language"} {
		if value, ok := entry.ExceptionInfo[key]; ok {
			event.Tags[key] = value
		}
	}

	if pkg := entry.Package(); pkg != "" {
		if pkg != g.pkg {
			return nil, errors.E(op, errors.Str("package name not allowed: "+pkg))
		}
		event.Tags["package"] = pkg
	}

	return event, nil
}

func joinExceptions(info map[string]any) (string, error) {
	raw, ok := info["exceptions"]
	if !ok {
		return "", errors.Str("'exceptions' key missing in JSON body")
	}

	list, ok := raw.([]any)
	if !ok {
		return "", errors.Str("'exceptions' is not a list")
	}

	var sb strings.Builder
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return "", errors.Str("'exceptions' contains a non-string entry")
		}
		sb.WriteString(s)
	}

	return sb.String(), nil
}

// parseFrame turns one "package.Class.method(File.java:42)" chunk into a
// Frame. Frames without a colon in the parentheses are native, those have no
// line number.
func parseFrame(rawFrame string) (Frame, error) {
	match := frameRegexp.FindStringSubmatch(rawFrame)
	if match == nil {
		return Frame{}, errors.Str("could not parse frame: '" + rawFrame + "'")
	}

	modulePath := strings.Split(match[1], ".")
	function := modulePath[len(modulePath)-1]
	pkg := strings.Join(modulePath[:len(modulePath)-1], ".")

	fileAndLine := match[2]
	if !strings.Contains(fileAndLine, ":") {
		return Frame{
			Filename: fileAndLine,
			Function: function,
			Package:  pkg,
			InApp:    true,
		}, nil
	}

	fileLineMatch := fileLineRegexp.FindStringSubmatch(fileAndLine)
	if fileLineMatch == nil {
		return Frame{}, errors.Str("could not find filename and line number in string " + fileAndLine)
	}

	lineno, err := strconv.Atoi(fileLineMatch[2])
	if err != nil {
		return Frame{}, errors.Str("bad line number in frame: " + fileAndLine)
	}

	return Frame{
		Filename: fileLineMatch[1],
		Function: function,
		Package:  pkg,
		Lineno:   &lineno,
		InApp:    true,
	}, nil
}

// splitExceptionMessage extracts exception type, message and Java module
// from the head chunk of the trace, e.g.
// "java.lang.NullPointerException: something was null".
func splitExceptionMessage(message string) (excType, excValue, excModule string) {
	parts := strings.Split(message, ":")
	if len(parts) < 2 {
		return "<none>", "<none>", "<none>"
	}

	qualified := strings.Split(parts[0], ".")
	excType = qualified[len(qualified)-1]
	excValue = parts[1]
	excModule = strings.Join(qualified[:len(qualified)-1], ".")
	return excType, excValue, excModule
}
