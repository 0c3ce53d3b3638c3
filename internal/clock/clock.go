// Package clock provides the supervisor's single source of wall-clock time
// and identifier generation, so every other package can be driven
// deterministically in tests.
package clock

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Clock produces monotonic-enough UTC timestamps. Production code uses
// RealClock; tests inject a fixed or stepping implementation.
type Clock interface {
	Now() time.Time
}

// RealClock wraps time.Now, truncated to UTC.
type RealClock struct{}

// Now returns the current UTC time.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Format renders t per the TaskFile's ISO-8601 convention.
func Format(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Parse reads an ISO-8601 timestamp written by Format.
func Parse(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// NewRunID returns an identifier of the form run-<YYYYMMDD-HHMMSS>-<6 hex>.
// The random suffix makes collisions within the same second negligible even
// across supervisors on the same host.
func NewRunID(now time.Time) string {
	suffix := uuid.New().String()
	return fmt.Sprintf("run-%s-%s", now.UTC().Format("20060102-150405"), suffix[:6])
}

// SupervisorID identifies one supervisor process instance: host process id
// plus start epoch, so two restarts of the same binary never collide.
type SupervisorID string

// NewSupervisorID builds a SupervisorID from the current process.
func NewSupervisorID(startedAt time.Time) SupervisorID {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return SupervisorID(fmt.Sprintf("%s-%d-%d", host, os.Getpid(), startedAt.UTC().Unix()))
}
