package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelops/errs"
)

type funcStage struct {
	id  string
	run func(ctx context.Context, run *Run) (interface{}, error)
}

func (s funcStage) ID() string { return s.id }

func (s funcStage) Run(ctx context.Context, run *Run) (interface{}, error) {
	return s.run(ctx, run)
}

func TestPipelineRunsStagesInOrder(t *testing.T) {
	var order []string
	stage := func(id string) Stage {
		return funcStage{id: id, run: func(ctx context.Context, run *Run) (interface{}, error) {
			order = append(order, id)
			return map[string]string{"status": "success"}, run.Put(ctx, "out", []byte(id))
		}}
	}
	reader := funcStage{id: "d", run: func(ctx context.Context, run *Run) (interface{}, error) {
		order = append(order, "d")
		value, err := run.Get(ctx, "b", "out")
		if err != nil {
			return nil, err
		}
		return string(value), nil
	}}

	result, err := New(stage("a"), stage("b"), stage("c"), reader).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
	for _, s := range result.Stages {
		assert.Equal(t, StageSucceeded, s.State, s.Stage)
	}
}

func TestPipelineFailureSkipsRemainingStages(t *testing.T) {
	ran := map[string]bool{}
	ok := func(id string) Stage {
		return funcStage{id: id, run: func(context.Context, *Run) (interface{}, error) {
			ran[id] = true
			return nil, nil
		}}
	}
	failing := funcStage{id: "train", run: func(context.Context, *Run) (interface{}, error) {
		ran["train"] = true
		return nil, errs.Errorf(errs.Validation, "test", "bad input")
	}}

	result, err := New(ok("load"), failing, ok("save"), ok("report")).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.StageFailure))
	assert.False(t, result.Succeeded)
	assert.False(t, ran["save"])
	assert.False(t, ran["report"])

	states := map[string]StageState{}
	for _, s := range result.Stages {
		states[s.Stage] = s.State
	}
	assert.Equal(t, map[string]StageState{
		"load":   StageSucceeded,
		"train":  StageFailed,
		"save":   StageSkipped,
		"report": StageSkipped,
	}, states)
	status, _ := result.Status("train")
	assert.Contains(t, status.Error, "bad input")
}

func TestPipelineRecoversPanickingStage(t *testing.T) {
	boom := funcStage{id: "boom", run: func(context.Context, *Run) (interface{}, error) {
		panic("kaboom")
	}}

	result, err := New(boom).Run(context.Background())
	require.Error(t, err)
	status, _ := result.Status("boom")
	assert.Equal(t, StageFailed, status.State)
	assert.Contains(t, status.Error, "kaboom")
}

func TestRunRejectsReadsFromUnfinishedStages(t *testing.T) {
	early := funcStage{id: "early", run: func(ctx context.Context, run *Run) (interface{}, error) {
		_, err := run.Get(ctx, "late", "out")
		return nil, err
	}}
	late := funcStage{id: "late", run: func(ctx context.Context, run *Run) (interface{}, error) {
		return nil, run.Put(ctx, "out", []byte("x"))
	}}

	_, err := New(early, late).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.StageFailure))
}

func TestPipelineRejectsDuplicateStageIDs(t *testing.T) {
	noop := funcStage{id: "same", run: func(context.Context, *Run) (interface{}, error) { return nil, nil }}

	_, err := New(noop, noop).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestPipelineStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	stage := funcStage{id: "a", run: func(context.Context, *Run) (interface{}, error) {
		called = true
		return nil, nil
	}}

	_, err := New(stage).Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, called)
}
