package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memento-ai/memento/internal/common/coorderr"
	"github.com/memento-ai/memento/internal/common/logger"
)

// scriptedGraph returns canned results per operation and records calls.
type scriptedGraph struct {
	mu sync.Mutex

	checkpointID string
	createErr    error
	annotateErr  error
	linkErr      error

	createCalls   int
	annotateCalls []Annotation
	linkCalls     []LinkProps
	deleteCalls   []string
}

func (g *scriptedGraph) CreateCheckpoint(ctx context.Context, seeds []string, reason string, hopCount, window int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	return g.checkpointID, g.createErr
}

func (g *scriptedGraph) AnnotateSessionRelationshipsWithCheckpoint(ctx context.Context, sessionID string, seeds []string, annotation Annotation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.annotateCalls = append(g.annotateCalls, annotation)
	return g.annotateErr
}

func (g *scriptedGraph) CreateSessionCheckpointLink(ctx context.Context, sessionID, checkpointID string, props LinkProps) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.linkCalls = append(g.linkCalls, props)
	return g.linkErr
}

func (g *scriptedGraph) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleteCalls = append(g.deleteCalls, checkpointID)
	return nil
}

type anchorRecorder struct {
	anchors map[string]Anchor
}

func (r *anchorRecorder) RegisterCheckpointLink(sessionID string, anchor Anchor) {
	if r.anchors == nil {
		r.anchors = make(map[string]Anchor)
	}
	r.anchors[sessionID] = anchor
}

func testJob() *Job {
	return &Job{
		ID: "job-1",
		Payload: JobPayload{
			SessionID:     "sess-1",
			SeedEntityIDs: []string{"e1", "e2"},
			Reason:        "manual",
			HopCount:      2,
			Window:        10,
		},
		Attempts: 1,
		Status:   StatusRunning,
	}
}

func TestWorkerExecuteHappyPath(t *testing.T) {
	graph := &scriptedGraph{checkpointID: "cp-1"}
	links := &anchorRecorder{}
	w := NewWorker(graph, links, logger.Default())
	job := testJob()

	require.NoError(t, w.Execute(context.Background(), job))

	assert.Equal(t, "cp-1", job.Payload.CheckpointID)
	assert.True(t, job.Payload.Linked)
	require.Len(t, graph.annotateCalls, 1)
	assert.Equal(t, OutcomeCompleted, graph.annotateCalls[0].Status)
	assert.Equal(t, "job-1", graph.annotateCalls[0].JobID)
	require.Len(t, graph.linkCalls, 1)
	assert.Equal(t, OutcomeCompleted, graph.linkCalls[0].Status)

	anchor, ok := links.anchors["sess-1"]
	require.True(t, ok)
	assert.Equal(t, "cp-1", anchor.CheckpointID)
	assert.Equal(t, OutcomeCompleted, anchor.Outcome)
}

func TestWorkerReusesCheckpointAcrossRetries(t *testing.T) {
	graph := &scriptedGraph{checkpointID: "cp-ignored", annotateErr: errors.New("annotation down")}
	w := NewWorker(graph, nil, logger.Default())
	job := testJob()
	job.Payload.CheckpointID = "cp-from-attempt-1"

	err := w.Execute(context.Background(), job)
	assert.True(t, coorderr.Is(err, coorderr.CodeGraphFailure))

	// The earlier checkpoint is reused, never recreated.
	assert.Equal(t, 0, graph.createCalls)
	assert.Equal(t, "cp-from-attempt-1", job.Payload.CheckpointID)
}

func TestWorkerSkipsLinkWhenAlreadyLinked(t *testing.T) {
	graph := &scriptedGraph{}
	w := NewWorker(graph, nil, logger.Default())
	job := testJob()
	job.Payload.CheckpointID = "cp-1"
	job.Payload.Linked = true

	require.NoError(t, w.Execute(context.Background(), job))
	assert.Empty(t, graph.linkCalls)
	require.Len(t, graph.annotateCalls, 1)
}

func TestWorkerEmptyCheckpointIDIsFailure(t *testing.T) {
	graph := &scriptedGraph{checkpointID: ""}
	w := NewWorker(graph, nil, logger.Default())
	job := testJob()

	err := w.Execute(context.Background(), job)
	assert.True(t, coorderr.Is(err, coorderr.CodeGraphFailure))
	assert.Empty(t, job.Payload.CheckpointID)
	assert.Empty(t, graph.annotateCalls)
}

func TestWorkerCreateFailurePropagates(t *testing.T) {
	graph := &scriptedGraph{createErr: errors.New("graph down")}
	w := NewWorker(graph, nil, logger.Default())
	job := testJob()

	err := w.Execute(context.Background(), job)
	assert.True(t, coorderr.Is(err, coorderr.CodeGraphFailure))
	assert.Empty(t, job.Payload.CheckpointID)
}

func TestWorkerTerminalFailureDeletesOrphanCheckpoint(t *testing.T) {
	graph := &scriptedGraph{}
	w := NewWorker(graph, nil, logger.Default())
	job := testJob()
	job.Payload.CheckpointID = "cp-orphan"
	job.LastError = "annotation kept failing"

	w.HandleTerminalFailure(context.Background(), job)

	require.Len(t, graph.annotateCalls, 1)
	assert.Equal(t, OutcomeManualIntervention, graph.annotateCalls[0].Status)
	assert.Equal(t, "annotation kept failing", graph.annotateCalls[0].Reason)
	assert.Equal(t, []string{"cp-orphan"}, graph.deleteCalls)
	assert.Empty(t, graph.linkCalls)
}

func TestWorkerTerminalFailureDowngradesLinkedCheckpoint(t *testing.T) {
	graph := &scriptedGraph{}
	w := NewWorker(graph, nil, logger.Default())
	job := testJob()
	job.Payload.CheckpointID = "cp-linked"
	job.Payload.Linked = true
	job.Attempts = 3

	w.HandleTerminalFailure(context.Background(), job)

	// A linked checkpoint is preserved; only the link is downgraded.
	assert.Empty(t, graph.deleteCalls)
	require.Len(t, graph.linkCalls, 1)
	assert.Equal(t, OutcomeManualIntervention, graph.linkCalls[0].Status)
	assert.Equal(t, 3, graph.linkCalls[0].Attempts)
}

func TestWorkerTerminalFailureWithoutCheckpoint(t *testing.T) {
	graph := &scriptedGraph{}
	w := NewWorker(graph, nil, logger.Default())
	job := testJob()

	w.HandleTerminalFailure(context.Background(), job)

	// Nothing was created, so there is nothing to clean up.
	assert.Empty(t, graph.deleteCalls)
	assert.Empty(t, graph.linkCalls)
	require.Len(t, graph.annotateCalls, 1)
}

func TestLocalGraphLinkRequiresKnownCheckpoint(t *testing.T) {
	g := NewLocalGraph(logger.Default())
	ctx := context.Background()

	id, err := g.CreateCheckpoint(ctx, []string{"e1"}, "manual", 2, 10)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, g.CreateSessionCheckpointLink(ctx, "sess-1", id, LinkProps{Status: OutcomeCompleted}))

	err = g.CreateSessionCheckpointLink(ctx, "sess-1", "cp-unknown", LinkProps{})
	assert.True(t, coorderr.Is(err, coorderr.CodeGraphFailure))

	require.NoError(t, g.DeleteCheckpoint(ctx, id))
	err = g.CreateSessionCheckpointLink(ctx, "sess-1", id, LinkProps{})
	assert.True(t, coorderr.Is(err, coorderr.CodeGraphFailure))
}
