package client

import (
	"context"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/ostrane/tracedeck/errors"
)

// MinBackendVersion is the oldest orchestrator release whose trace and job
// wire formats this dashboard understands.
const MinBackendVersion = "0.9.0"

// BackendHealth is the orchestrator's health report.
type BackendHealth struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveJobs    int    `json:"active_jobs"`
}

// Health fetches the orchestrator's health endpoint.
func (c *Client) Health(ctx context.Context) (*BackendHealth, error) {
	var h BackendHealth
	if err := c.getJSON(ctx, "/api/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// CheckCompat verifies the backend version against MinBackendVersion. The
// serve command treats a failure as fatal; one-shot CLI commands degrade it
// to a warning.
func CheckCompat(h *BackendHealth) error {
	if h == nil || h.Version == "" {
		return errors.New("backend reported no version")
	}

	version, err := semver.NewVersion(strings.TrimPrefix(h.Version, "v"))
	if err != nil {
		return errors.Wrapf(err, "parsing backend version %q", h.Version)
	}

	constraint, err := semver.NewConstraint(">= " + MinBackendVersion)
	if err != nil {
		return errors.Wrap(err, "building version constraint")
	}

	if !constraint.Check(version) {
		return errors.Newf("backend version %s is older than the minimum supported %s",
			version, MinBackendVersion)
	}
	return nil
}
