package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memento-ai/memento/internal/common/coorderr"
	"github.com/memento-ai/memento/internal/common/logger"
)

// HTTPGraph talks to the knowledge-graph service over its REST surface.
type HTTPGraph struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGraph creates a graph client for the given base URL.
func NewHTTPGraph(baseURL string, timeout time.Duration) *HTTPGraph {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGraph{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

var _ Graph = (*HTTPGraph)(nil)

func (g *HTTPGraph) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("graph service returned %d: %s", resp.StatusCode, string(data))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (g *HTTPGraph) CreateCheckpoint(ctx context.Context, seedEntityIDs []string, reason string, hopCount, window int) (string, error) {
	var result struct {
		CheckpointID string `json:"checkpointId"`
	}
	err := g.post(ctx, "/checkpoints", map[string]interface{}{
		"seedEntityIds": seedEntityIDs,
		"reason":        reason,
		"hopCount":      hopCount,
		"window":        window,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.CheckpointID, nil
}

func (g *HTTPGraph) AnnotateSessionRelationshipsWithCheckpoint(ctx context.Context, sessionID string, seedEntityIDs []string, annotation Annotation) error {
	return g.post(ctx, "/sessions/"+sessionID+"/annotations", map[string]interface{}{
		"seedEntityIds": seedEntityIDs,
		"annotation":    annotation,
	}, nil)
}

func (g *HTTPGraph) CreateSessionCheckpointLink(ctx context.Context, sessionID, checkpointID string, props LinkProps) error {
	return g.post(ctx, "/sessions/"+sessionID+"/checkpoint-links", map[string]interface{}{
		"checkpointId": checkpointID,
		"props":        props,
	}, nil)
}

func (g *HTTPGraph) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.baseURL+"/checkpoints/"+checkpointID, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if (resp.StatusCode < 200 || resp.StatusCode > 299) && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("graph service returned %d", resp.StatusCode)
	}
	return nil
}

// LocalGraph is the in-process graph used when no graph service URL is
// configured: checkpoints are minted locally and anchors kept in memory so
// local-first development still exercises the full pipeline.
type LocalGraph struct {
	mu          sync.Mutex
	checkpoints map[string][]string // checkpointId -> seeds
	links       map[string]string   // sessionId -> latest checkpointId
	log         *logger.Logger
}

// NewLocalGraph creates an in-process graph collaborator.
func NewLocalGraph(log *logger.Logger) *LocalGraph {
	if log == nil {
		log = logger.Default()
	}
	return &LocalGraph{
		checkpoints: make(map[string][]string),
		links:       make(map[string]string),
		log:         log,
	}
}

var _ Graph = (*LocalGraph)(nil)

func (g *LocalGraph) CreateCheckpoint(ctx context.Context, seedEntityIDs []string, reason string, hopCount, window int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := "cp-" + uuid.New().String()
	g.checkpoints[id] = append([]string(nil), seedEntityIDs...)
	g.log.Debug("local checkpoint created",
		zap.String("checkpoint_id", id),
		zap.Int("seeds", len(seedEntityIDs)),
		zap.String("reason", reason))
	return id, nil
}

func (g *LocalGraph) AnnotateSessionRelationshipsWithCheckpoint(ctx context.Context, sessionID string, seedEntityIDs []string, annotation Annotation) error {
	return nil
}

func (g *LocalGraph) CreateSessionCheckpointLink(ctx context.Context, sessionID, checkpointID string, props LinkProps) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.checkpoints[checkpointID]; !ok {
		return coorderr.New(coorderr.CodeGraphFailure, "unknown checkpoint "+checkpointID)
	}
	g.links[sessionID] = checkpointID
	return nil
}

func (g *LocalGraph) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.checkpoints, checkpointID)
	return nil
}
