package domain

import "time"

// WorkerStatus is the lifecycle state of a registered worker.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBuilding WorkerStatus = "building"
	WorkerOffline  WorkerStatus = "offline"
)

// Capabilities describes what a worker can build.
type Capabilities struct {
	Platforms         []Platform `json:"platforms"`
	ToolchainVersions []string   `json:"toolchainVersions,omitempty"`
}

// Worker is the authoritative record of one registered build worker.
type Worker struct {
	ID              string
	Name            string
	Capabilities    Capabilities
	Status          WorkerStatus
	SessionToken    string
	SessionExpiry   time.Time
	LastSeen        time.Time
	CompletedBuilds int64
	FailedBuilds    int64
	CreatedAt       time.Time
	ShutdownAt      *time.Time
}

// Alive reports whether the worker's session token has not yet expired as
// of now. Liveness for the staleness sweep is judged separately, from
// LastSeen (spec §4.4).
func (w Worker) Alive(now time.Time) bool {
	return now.Before(w.SessionExpiry)
}
