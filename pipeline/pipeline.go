// Package pipeline runs the training stages in strict order, relaying each stage's output
// to later stages through a handoff channel.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"modelops/errs"
	"modelops/handoff"
)

// StageState is the runtime state of one stage within a run.
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageSucceeded StageState = "succeeded"
	StageFailed    StageState = "failed"
	StageSkipped   StageState = "skipped"
)

// Keys every stage gets published under its ID by the runner.
const (
	KeyStatus = "status"
	KeyResult = "result"
)

// Stage is one step of the pipeline. The returned value is published under KeyResult.
type Stage interface {
	ID() string
	Run(ctx context.Context, run *Run) (interface{}, error)
}

// StageStatus records how a stage ended.
type StageStatus struct {
	Stage      string     `json:"stage"`
	State      StageState `json:"state"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
}

// RunResult summarizes a whole run.
type RunResult struct {
	RunID     string        `json:"run_id"`
	Succeeded bool          `json:"succeeded"`
	Stages    []StageStatus `json:"stages"`
	// Completion is set by the report stage.
	Completion *Completion `json:"completion,omitempty"`
}

// Status returns the entry for stageID.
func (r *RunResult) Status(stageID string) (StageStatus, bool) {
	for _, s := range r.Stages {
		if s.Stage == stageID {
			return s, true
		}
	}
	return StageStatus{}, false
}

// ChannelFactory opens the handoff channel for one run.
type ChannelFactory func(runID string) (handoff.Channel, error)

// Pipeline is an ordered list of stages.
type Pipeline struct {
	stages     []Stage
	newChannel ChannelFactory
	logger     *zap.Logger
}

func New(stages ...Stage) *Pipeline {
	return &Pipeline{
		stages: stages,
		newChannel: func(string) (handoff.Channel, error) {
			return handoff.NewMemoryChannel(), nil
		},
		logger: zap.NewNop(),
	}
}

func (p *Pipeline) WithLogger(logger *zap.Logger) *Pipeline {
	p.logger = logger
	return p
}

func (p *Pipeline) WithChannel(factory ChannelFactory) *Pipeline {
	p.newChannel = factory
	return p
}

// Run executes every stage in order. The first failure marks the remaining stages skipped
// and is returned as a StageFailure; work already done by earlier stages is kept.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	const op = "pipeline.run"
	runID := uuid.NewString()
	result := &RunResult{RunID: runID, Stages: make([]StageStatus, len(p.stages))}
	for i, stage := range p.stages {
		result.Stages[i] = StageStatus{Stage: stage.ID(), State: StagePending}
	}

	seen := make(map[string]bool, len(p.stages))
	for _, stage := range p.stages {
		if seen[stage.ID()] {
			return result, errs.Errorf(errs.Validation, op, "duplicate stage id %q", stage.ID())
		}
		seen[stage.ID()] = true
	}

	ch, err := p.newChannel(runID)
	if err != nil {
		return result, errs.E(errs.Unavailable, op, err)
	}
	logger := p.logger.With(zap.String("run_id", runID))
	run := &Run{ID: runID, channel: ch, completed: make(map[string]bool), result: result, logger: logger}

	logger.Info("pipeline started", zap.Int("stages", len(p.stages)))
	var failure error
	for i, stage := range p.stages {
		status := &result.Stages[i]
		if failure != nil {
			status.State = StageSkipped
			logger.Warn("stage skipped", zap.String("stage", stage.ID()))
			continue
		}
		if err := ctx.Err(); err != nil {
			failure = errs.E(errs.StageFailure, op, errs.Wrapf(err, "before stage %s", stage.ID()))
			status.State = StageSkipped
			continue
		}

		status.State = StageRunning
		status.StartedAt = time.Now().UTC()
		stageLogger := logger.With(zap.String("stage", stage.ID()))
		stageLogger.Info("stage started")

		run.stage = stage.ID()
		run.logger = stageLogger
		value, err := runStage(ctx, stage, run)
		if err == nil {
			err = run.publishJSON(ctx, stage.ID(), KeyResult, value)
		}

		status.FinishedAt = time.Now().UTC()
		status.DurationMS = status.FinishedAt.Sub(status.StartedAt).Milliseconds()
		if err != nil {
			status.State = StageFailed
			status.Error = err.Error()
			stageLogger.Error("stage failed", zap.Error(err), zap.Int64("duration_ms", status.DurationMS))
			failure = errs.E(errs.StageFailure, op, errs.Wrapf(err, "stage %s", stage.ID()))
			continue
		}

		status.State = StageSucceeded
		if err := run.publishJSON(ctx, stage.ID(), KeyStatus, status); err != nil {
			stageLogger.Warn("publish stage status", zap.Error(err))
		}
		run.completed[stage.ID()] = true
		stageLogger.Info("stage succeeded", zap.Int64("duration_ms", status.DurationMS))
	}

	if d, ok := ch.(interface{ Purge(context.Context) error }); ok {
		if err := d.Purge(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("discard handoff values", zap.Error(err))
		}
	}

	if failure != nil {
		logger.Error("pipeline failed", zap.Error(failure))
		return result, failure
	}
	result.Succeeded = true
	logger.Info("pipeline completed")
	return result, nil
}

func runStage(ctx context.Context, stage Stage, run *Run) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Errorf(errs.Unexpected, "pipeline.stage", "panic: %v", r)
		}
	}()
	return stage.Run(ctx, run)
}

// Run is the per-run context handed to a stage. Puts land under the running stage's ID;
// gets may only read stages that already succeeded.
type Run struct {
	ID        string
	channel   handoff.Channel
	stage     string
	completed map[string]bool
	result    *RunResult
	logger    *zap.Logger
}

func (r *Run) Logger() *zap.Logger { return r.logger }

// Complete attaches the run's completion record to the result.
func (r *Run) Complete(c *Completion) { r.result.Completion = c }

// Completed reports whether stageID finished successfully earlier in this run.
func (r *Run) Completed(stageID string) bool { return r.completed[stageID] }

// Statuses returns a snapshot of every stage status so far.
func (r *Run) Statuses() []StageStatus {
	return append([]StageStatus(nil), r.result.Stages...)
}

func (r *Run) Put(ctx context.Context, key string, value []byte) error {
	return r.channel.Put(ctx, r.stage, key, value)
}

func (r *Run) PutJSON(ctx context.Context, key string, v interface{}) error {
	return handoff.PutJSON(ctx, r.channel, r.stage, key, v)
}

func (r *Run) Get(ctx context.Context, stageID, key string) ([]byte, error) {
	if err := r.readable(stageID); err != nil {
		return nil, err
	}
	return r.channel.Get(ctx, stageID, key)
}

func (r *Run) GetJSON(ctx context.Context, stageID, key string, v interface{}) error {
	if err := r.readable(stageID); err != nil {
		return err
	}
	return handoff.GetJSON(ctx, r.channel, stageID, key, v)
}

func (r *Run) readable(stageID string) error {
	if !r.completed[stageID] {
		return errs.E(errs.Validation, "pipeline.get", fmt.Errorf("stage %q has not completed in run %s", stageID, r.ID))
	}
	return nil
}

func (r *Run) publishJSON(ctx context.Context, stageID, key string, v interface{}) error {
	return handoff.PutJSON(ctx, r.channel, stageID, key, v)
}
