package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// idTimestampLayout makes identifiers sort chronologically.
const idTimestampLayout = "20060102T150405"

// NewOrchestrationID returns a unique, time-prefixed orchestration run ID.
func NewOrchestrationID() string {
	return newID("orch")
}

// NewDeploymentID returns a unique, time-prefixed deployment ID for one
// domain's deployment attempt.
func NewDeploymentID() string {
	return newID("dep")
}

// NewCoordinationID returns a unique, time-prefixed coordination run ID.
func NewCoordinationID() string {
	return newID("coord")
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%s-%s",
		prefix,
		time.Now().UTC().Format(idTimestampLayout),
		uuid.New().String()[:8],
	)
}
