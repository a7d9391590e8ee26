package act

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cora-labs/cora/internal/config"
	"github.com/cora-labs/cora/internal/types"
)

// HTTPTool invokes an external tool container over HTTP: POST {params} to
// the manifest endpoint, read back {output} or plain text. The container
// itself is outside the core; this is the whole wire contract.
type HTTPTool struct {
	spec   config.ToolSpec
	client *http.Client
}

// NewHTTPTool wraps a manifest tool entry.
func NewHTTPTool(spec config.ToolSpec) *HTTPTool {
	return &HTTPTool{
		spec: spec,
		client: &http.Client{
			Timeout: time.Duration(spec.TimeoutSeconds) * time.Second,
		},
	}
}

func (t *HTTPTool) Name() string { return t.spec.Name }

// Invoke posts the action params to the tool endpoint.
func (t *HTTPTool) Invoke(ctx context.Context, params map[string]any) (Result, error) {
	if t.spec.Endpoint == "" {
		return Result{}, types.Contractf("tool %q has no endpoint", t.spec.Name)
	}
	body, err := json.Marshal(params)
	if err != nil {
		return Result{}, types.Validationf("tool params not serializable: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.spec.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, types.Transient(fmt.Errorf("tool %s: %w", t.spec.Name, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, types.Transient(fmt.Errorf("tool %s read: %w", t.spec.Name, err))
	}
	if resp.StatusCode >= 500 {
		return Result{}, types.Transient(fmt.Errorf("tool %s: status %d", t.spec.Name, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, types.Validationf("tool %s: status %d: %s", t.spec.Name, resp.StatusCode, raw)
	}

	var wrapped struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Output != "" {
		return Result{Output: wrapped.Output}, nil
	}
	return Result{Output: string(raw)}, nil
}

// RegisterManifestTools installs every manifest tool on the registry.
func RegisterManifestTools(reg *Registry, m *config.Manifest) error {
	for _, spec := range m.Tools {
		if spec.Kind != "tool" {
			continue
		}
		if err := reg.Register(NewHTTPTool(spec), spec); err != nil {
			return err
		}
	}
	return nil
}
