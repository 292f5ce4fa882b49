package storage

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/roadrunner-server/errors"
)

// DSN is a parsed ingestion destination connection string of the usual
// scheme://publickey@host/projectid form.
type DSN struct {
	scheme    string
	publicKey string
	host      string
	projectID string
}

// ParseDSN validates and splits a destination connection string.
func ParseDSN(raw string) (*DSN, error) {
	const op = errors.Op("dsn_parse")

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.E(op, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.E(op, errors.Str("dsn scheme must be http or https"))
	}

	if u.User == nil || u.User.Username() == "" {
		return nil, errors.E(op, errors.Str("dsn is missing the public key"))
	}

	if u.Host == "" {
		return nil, errors.E(op, errors.Str("dsn is missing the host"))
	}

	projectID := strings.Trim(u.Path, "/")
	if projectID == "" || strings.Contains(projectID, "/") {
		return nil, errors.E(op, errors.Str("dsn path must be a single project id"))
	}

	return &DSN{
		scheme:    u.Scheme,
		publicKey: u.User.Username(),
		host:      u.Host,
		projectID: projectID,
	}, nil
}

// StoreAPIURL returns the event ingestion endpoint for the DSN's project.
func (d *DSN) StoreAPIURL() string {
	return fmt.Sprintf("%s://%s/api/%s/store/", d.scheme, d.host, d.projectID)
}

// AuthHeader returns the X-Sentry-Auth header value for the DSN.
func (d *DSN) AuthHeader() string {
	return fmt.Sprintf(
		"Sentry sentry_version=7, sentry_key=%s, sentry_client=%s/%s",
		d.publicKey, sdkName, sdkVersion,
	)
}

// ProjectID returns the project identifier the DSN points at.
func (d *DSN) ProjectID() string {
	return d.projectID
}
