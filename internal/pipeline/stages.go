// Package pipeline sequences a provisioning run through its stages:
// validate, plan, partition, encrypt, populate, verify. The first
// irreversible action happens in the partitioning stage; everything
// before it can fail with the device untouched.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/n0m4d1k/covert-sd-card-tool/internal/crypt"
)

// Stage names one phase of a provisioning run.
type Stage string

const (
	StageValidating   Stage = "validating"
	StagePlanning     Stage = "planning"
	StagePartitioning Stage = "partitioning"
	StageEncrypting   Stage = "encrypting"
	StagePopulating   Stage = "populating"
	StageVerifying    Stage = "verifying"
)

// StageStatus records the timing and outcome of one stage.
type StageStatus struct {
	Stage      Stage     `json:"stage"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      string    `json:"error,omitempty"`
}

// RegionResult is the per-region outcome of the encrypting stage. The
// stage attempts every region even after one fails, so a report can
// show partial success.
type RegionResult struct {
	Role    string `json:"role"`
	Backend string `json:"backend"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Report is the durable record of one run, saved under the state dir
// whether the run succeeds or fails.
type Report struct {
	ID        string    `json:"id"`
	Device    string    `json:"device"`
	StartedAt time.Time `json:"startedAt"`

	// Destructive flips to true the moment the partitioning stage
	// starts; a report with Destructive=false means the device was
	// never written.
	Destructive bool `json:"destructive"`

	Stages      []StageStatus      `json:"stages"`
	Regions     []RegionResult     `json:"regions,omitempty"`
	WorkFactors []crypt.WorkFactor `json:"workFactors,omitempty"`

	Result      string    `json:"result"` // running, done, failed
	FailedStage Stage     `json:"failedStage,omitempty"`
	Error       string    `json:"error,omitempty"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
}

func newReport(device string) *Report {
	return &Report{
		ID:        uuid.NewString(),
		Device:    device,
		StartedAt: time.Now().UTC(),
		Result:    "running",
	}
}

func (r *Report) beginStage(s Stage) {
	r.Stages = append(r.Stages, StageStatus{Stage: s, StartedAt: time.Now().UTC()})
}

func (r *Report) endStage(err error) {
	st := &r.Stages[len(r.Stages)-1]
	st.FinishedAt = time.Now().UTC()
	if err != nil {
		st.Error = err.Error()
	}
}

func (r *Report) fail(stage Stage, err error) {
	r.Result = "failed"
	r.FailedStage = stage
	r.Error = err.Error()
	r.FinishedAt = time.Now().UTC()
}

func (r *Report) done() {
	r.Result = "done"
	r.FinishedAt = time.Now().UTC()
}

// StageStates returns a summary line per stage for display.
func (r *Report) StageStates() []string {
	out := make([]string, 0, len(r.Stages))
	for _, st := range r.Stages {
		state := "ok"
		if st.Error != "" {
			state = "failed: " + st.Error
		}
		out = append(out, string(st.Stage)+": "+state)
	}
	return out
}
