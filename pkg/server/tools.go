package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dario.cat/mergo"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/SpideXD/mcp-swarm/pkg/catalog"
	"github.com/SpideXD/mcp-swarm/pkg/config"
	swarmerrors "github.com/SpideXD/mcp-swarm/pkg/errors"
	"github.com/SpideXD/mcp-swarm/pkg/profiles"
	"github.com/SpideXD/mcp-swarm/pkg/store"
	"github.com/SpideXD/mcp-swarm/pkg/supervisor"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

// toolServer implements the fifteen meta-tools every client session sees.
// Failures are reported inside the tool result (is_error set), never as
// protocol errors: the request itself always succeeds.
type toolServer struct {
	sup      *supervisor.Supervisor
	store    store.Store
	searcher *catalog.Searcher

	// sessionID extracts the calling session from the request context.
	// HTTP mode reads the SDK session; stdio mode always returns "".
	sessionID func(ctx context.Context) string
}

func newToolServer(sup *supervisor.Supervisor, st store.Store, searcher *catalog.Searcher, sessionID func(ctx context.Context) string) *toolServer {
	if sessionID == nil {
		sessionID = func(context.Context) string { return "" }
	}
	return &toolServer{sup: sup, store: st, searcher: searcher, sessionID: sessionID}
}

// register adds every meta-tool to the MCP server.
func (t *toolServer) register(srv *mcpserver.MCPServer) {
	srv.AddTool(mcp.NewTool("discover",
		mcp.WithDescription("Search public catalogs for installable MCP servers matching a query."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Free-text search query")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 10)")),
	), t.handleDiscover)

	srv.AddTool(mcp.NewTool("declare_worker",
		mcp.WithDescription("Start a worker and persist its configuration. Replaces any existing worker with the same name."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Worker name (letters, digits, underscore, dash)")),
		mcp.WithString("transport", mcp.Description("stdio, sse or streamable-http (default stdio)")),
		mcp.WithString("command", mcp.Description("Executable to spawn (stdio transport)")),
		mcp.WithArray("args", mcp.Description("Command arguments"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("env", mcp.Description("Extra environment variables")),
		mcp.WithString("url", mcp.Description("Endpoint URL (network transports)")),
		mcp.WithObject("headers", mcp.Description("HTTP headers (network transports)")),
		mcp.WithString("description", mcp.Description("What this worker does")),
		mcp.WithBoolean("stateful", mcp.Description("Give each session its own instance")),
	), t.handleDeclareWorker)

	srv.AddTool(mcp.NewTool("remove_worker",
		mcp.WithDescription("Stop a worker and delete its persisted configuration."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Worker name")),
	), t.handleRemoveWorker)

	srv.AddTool(mcp.NewTool("list_workers",
		mcp.WithDescription("List live workers and persisted-but-stopped ones."),
	), t.handleListWorkers)

	srv.AddTool(mcp.NewTool("stop_worker",
		mcp.WithDescription("Stop a running worker. Its configuration stays persisted."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Worker name")),
	), t.handleStopWorker)

	srv.AddTool(mcp.NewTool("start_worker",
		mcp.WithDescription("Start a worker from its persisted configuration."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Worker name")),
	), t.handleStartWorker)

	srv.AddTool(mcp.NewTool("reset_worker",
		mcp.WithDescription("Restart a worker, or start it fresh from its persisted configuration."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Worker name")),
	), t.handleResetWorker)

	srv.AddTool(mcp.NewTool("update_worker",
		mcp.WithDescription("Update parts of a worker's configuration. A running worker is restarted with the new configuration."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Worker name")),
		mcp.WithString("transport", mcp.Description("New transport")),
		mcp.WithString("command", mcp.Description("New command")),
		mcp.WithArray("args", mcp.Description("New arguments"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("env", mcp.Description("Environment variables to merge")),
		mcp.WithString("url", mcp.Description("New endpoint URL")),
		mcp.WithObject("headers", mcp.Description("HTTP headers to merge")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithBoolean("stateful", mcp.Description("New stateful flag")),
	), t.handleUpdateWorker)

	srv.AddTool(mcp.NewTool("list_tools",
		mcp.WithDescription("Summarize every worker's tools, or show full schemas for one worker."),
		mcp.WithString("server", mcp.Description("Worker name for full schemas; omit for a summary")),
	), t.handleListTools)

	srv.AddTool(mcp.NewTool("call_tool",
		mcp.WithDescription("Call a tool on a managed worker."),
		mcp.WithString("server", mcp.Required(), mcp.Description("Worker name")),
		mcp.WithString("tool", mcp.Required(), mcp.Description("Tool name")),
		mcp.WithObject("args", mcp.Description("Tool arguments")),
	), t.handleCallTool)

	srv.AddTool(mcp.NewTool("list_profiles",
		mcp.WithDescription("List built-in and user-defined worker profiles."),
	), t.handleListProfiles)

	srv.AddTool(mcp.NewTool("activate_profile",
		mcp.WithDescription("Start every worker in a profile and persist their configurations."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Profile name")),
	), t.handleActivateProfile)

	srv.AddTool(mcp.NewTool("deactivate_profile",
		mcp.WithDescription("Stop every running worker of a profile. Configurations stay persisted."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Profile name")),
	), t.handleDeactivateProfile)

	srv.AddTool(mcp.NewTool("create_profile",
		mcp.WithDescription("Create a user-defined profile from a list of stdio workers."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Profile name (letters, digits, underscore, dash)")),
		mcp.WithString("description", mcp.Description("What this profile is for")),
		mcp.WithArray("entries", mcp.Required(), mcp.Description("Worker entries: {name, command, args?, env?, description?}"),
			mcp.Items(map[string]any{"type": "object"})),
	), t.handleCreateProfile)

	srv.AddTool(mcp.NewTool("delete_profile",
		mcp.WithDescription("Delete a user-defined profile. Built-ins are protected."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Profile name")),
	), t.handleDeleteProfile)
}

// toolError folds a failure into the tool result payload.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

func toolErrorf(format string, args ...any) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...))
}

// jsonResult renders v as pretty JSON text content.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolErrorf("internal: encoding result: %v", err)
	}
	return mcp.NewToolResultText(string(data))
}

// toMCPResult converts a worker call result to the SDK type, preserving
// unknown content kinds as raw JSON text.
func toMCPResult(res *workers.CallResult) *mcp.CallToolResult {
	out := &mcp.CallToolResult{IsError: res.IsError}
	for _, content := range res.Content {
		switch content.Type {
		case "text":
			out.Content = append(out.Content, mcp.NewTextContent(content.Text))
		case "image":
			out.Content = append(out.Content, mcp.NewImageContent(content.Data, content.MimeType))
		case "audio":
			out.Content = append(out.Content, mcp.NewAudioContent(content.Data, content.MimeType))
		default:
			raw, err := json.Marshal(content.Raw)
			if err != nil {
				raw = []byte(`{}`)
			}
			out.Content = append(out.Content, mcp.NewTextContent(string(raw)))
		}
	}
	return out
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func (t *toolServer) handleDiscover(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return toolError(err), nil
	}
	limit := req.GetInt("limit", catalog.DefaultLimit)

	results := t.searcher.Search(ctx, query, limit)
	if len(results) == 0 {
		return mcp.NewToolResultText("no servers found for " + query), nil
	}
	return jsonResult(results), nil
}

// configFromArgs builds a worker config from the request arguments. Fields
// absent from the request stay zero.
func configFromArgs(req mcp.CallToolRequest) *workers.Config {
	args := req.GetArguments()
	return &workers.Config{
		Name:        req.GetString("name", ""),
		Transport:   workers.Transport(req.GetString("transport", "")),
		Command:     req.GetString("command", ""),
		Args:        stringSlice(args["args"]),
		Env:         stringMap(args["env"]),
		URL:         req.GetString("url", ""),
		Headers:     stringMap(args["headers"]),
		Description: req.GetString("description", ""),
	}
}

func (t *toolServer) handleDeclareWorker(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg := configFromArgs(req)
	if cfg.Transport == "" {
		cfg.Transport = workers.TransportStdio
	}
	if v, ok := req.GetArguments()["stateful"].(bool); ok {
		cfg.Stateful = v
	} else {
		cfg.Stateful = config.StatefulNames[cfg.Name]
	}

	snap, err := t.sup.Declare(ctx, cfg)
	if err != nil {
		if swarmerrors.IsBadInput(err) {
			return toolError(err), nil
		}
		return toolErrorf("failed to start worker %s: %v", cfg.Name, err), nil
	}

	// Persist only what actually came up: a config that never connected is
	// not worth restoring at the next startup.
	if snap.State == workers.StateConnected {
		if err := t.store.UpsertWorker(ctx, snap.Config); err != nil {
			return toolErrorf("worker %s started but persisting failed: %v", cfg.Name, err), nil
		}
	}
	return jsonResult(snap), nil
}

func (t *toolServer) handleRemoveWorker(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return toolError(err), nil
	}

	_, live := t.sup.Get(name)
	_, storeErr := t.store.GetWorker(ctx, name)
	if !live && errors.Is(storeErr, store.ErrNotFound) {
		return toolErrorf("no worker named %q", name), nil
	}

	if live {
		t.sup.Stop(name)
	}
	if err := t.store.DeleteWorker(ctx, name); err != nil {
		return toolErrorf("failed to remove worker %s from store: %v", name, err), nil
	}
	return mcp.NewToolResultText("removed worker " + name), nil
}

// workerRow is one line of the list_workers output.
type workerRow struct {
	Name      string            `json:"name"`
	State     workers.State     `json:"state"`
	Transport workers.Transport `json:"transport"`
	PID       int               `json:"pid,omitempty"`
	URL       string            `json:"url,omitempty"`
	Tools     int               `json:"tools"`
	Stateful  bool              `json:"stateful"`
	Persisted bool              `json:"persisted"`
	LastError string            `json:"last_error,omitempty"`
}

func (t *toolServer) handleListWorkers(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	persisted, err := t.store.ListWorkers(ctx)
	if err != nil {
		return toolErrorf("failed to read store: %v", err), nil
	}
	persistedByName := make(map[string]*workers.Config, len(persisted))
	for _, cfg := range persisted {
		persistedByName[cfg.Name] = cfg
	}

	var rows []workerRow
	liveBases := make(map[string]bool)
	for _, snap := range t.sup.List() {
		_, isPersisted := persistedByName[snap.BaseName]
		liveBases[snap.InternalName] = true
		rows = append(rows, workerRow{
			Name:      snap.InternalName,
			State:     snap.State,
			Transport: snap.Config.Transport,
			PID:       snap.PID,
			URL:       snap.Config.URL,
			Tools:     len(snap.Tools),
			Stateful:  snap.Config.Stateful,
			Persisted: isPersisted,
			LastError: snap.LastError,
		})
	}
	for _, cfg := range persisted {
		if liveBases[cfg.Name] {
			continue
		}
		rows = append(rows, workerRow{
			Name:      cfg.Name,
			State:     workers.StateStopped,
			Transport: cfg.Transport,
			URL:       cfg.URL,
			Stateful:  cfg.Stateful,
			Persisted: true,
		})
	}
	return jsonResult(rows), nil
}

func (t *toolServer) handleStopWorker(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return toolError(err), nil
	}
	if _, live := t.sup.Get(name); !live {
		return toolErrorf("worker %q is not running", name), nil
	}
	t.sup.Stop(name)
	return mcp.NewToolResultText("stopped worker " + name), nil
}

func (t *toolServer) handleStartWorker(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return toolError(err), nil
	}
	if snap, live := t.sup.Get(name); live && snap.State == workers.StateConnected {
		return toolErrorf("worker %q is already running", name), nil
	}

	cfg, err := t.store.GetWorker(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return toolErrorf("no persisted worker named %q", name), nil
	}
	if err != nil {
		return toolErrorf("failed to read store: %v", err), nil
	}

	snap, err := t.sup.Declare(ctx, cfg)
	if err != nil {
		return toolErrorf("failed to start worker %s: %v", name, err), nil
	}
	return jsonResult(snap), nil
}

func (t *toolServer) handleResetWorker(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return toolError(err), nil
	}

	if _, live := t.sup.Get(name); live {
		snap, err := t.sup.Restart(ctx, name)
		if err != nil {
			return toolErrorf("failed to restart worker %s: %v", name, err), nil
		}
		return jsonResult(snap), nil
	}

	cfg, err := t.store.GetWorker(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return toolErrorf("no worker named %q", name), nil
	}
	if err != nil {
		return toolErrorf("failed to read store: %v", err), nil
	}
	snap, err := t.sup.Declare(ctx, cfg)
	if err != nil {
		return toolErrorf("failed to start worker %s: %v", name, err), nil
	}
	return jsonResult(snap), nil
}

func (t *toolServer) handleUpdateWorker(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return toolError(err), nil
	}

	existing, err := t.store.GetWorker(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		// Fall back to the live config for workers declared but never
		// persisted (failed spawns that were later fixed by hand).
		if snap, live := t.sup.Get(name); live {
			existing = snap.Config
		} else {
			return toolErrorf("no worker named %q", name), nil
		}
	} else if err != nil {
		return toolErrorf("failed to read store: %v", err), nil
	}

	patch := configFromArgs(req)
	patch.Name = "" // the name is the key, not an updatable field
	merged := existing.Clone()
	if err := mergo.Merge(merged, patch, mergo.WithOverride); err != nil {
		return toolErrorf("failed to merge update: %v", err), nil
	}
	if v, ok := req.GetArguments()["stateful"].(bool); ok {
		merged.Stateful = v
	}
	if err := merged.Validate(); err != nil {
		return toolError(swarmerrors.NewBadInputError(err.Error(), nil)), nil
	}

	if err := t.store.UpsertWorker(ctx, merged); err != nil {
		return toolErrorf("failed to persist update: %v", err), nil
	}

	_, live := t.sup.Get(name)
	if !live {
		return jsonResult(merged), nil
	}
	t.sup.Stop(name)
	snap, err := t.sup.Declare(ctx, merged)
	if err != nil {
		return toolErrorf("updated worker %s but respawn failed: %v", name, err), nil
	}
	return jsonResult(snap), nil
}

func (t *toolServer) handleListTools(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	base := req.GetString("server", "")
	if base != "" {
		snap, ok := t.sup.Get(base)
		if !ok {
			return toolErrorf("no worker named %q", base), nil
		}
		return jsonResult(snap.Tools), nil
	}

	var lines []string
	for _, snap := range t.sup.List() {
		if workers.IsDerivedName(snap.InternalName) {
			continue
		}
		names := make([]string, 0, len(snap.Tools))
		for _, tool := range snap.Tools {
			names = append(names, tool.Name)
		}
		lines = append(lines, fmt.Sprintf("%s (%s, %d tools): %s",
			snap.InternalName, snap.State, len(snap.Tools), strings.Join(names, ", ")))
	}
	if len(lines) == 0 {
		return mcp.NewToolResultText("no workers running"), nil
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (t *toolServer) handleCallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	base, err := req.RequireString("server")
	if err != nil {
		return toolError(err), nil
	}
	tool, err := req.RequireString("tool")
	if err != nil {
		return toolError(err), nil
	}
	args, _ := req.GetArguments()["args"].(map[string]any)

	result, err := t.sup.CallQueued(ctx, base, tool, args, t.sessionID(ctx))
	if err != nil {
		return toolError(err), nil
	}
	return toMCPResult(result), nil
}

func (t *toolServer) handleListProfiles(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := t.store.ListProfiles(ctx)
	if err != nil {
		return toolErrorf("failed to read store: %v", err), nil
	}
	userBundles := make([]profiles.Bundle, 0, len(user))
	for _, b := range user {
		userBundles = append(userBundles, *b)
	}
	return jsonResult(profiles.Merge(profiles.BuiltIns(), userBundles)), nil
}

// findProfile resolves a bundle by name, built-ins shadowing user bundles.
func (t *toolServer) findProfile(ctx context.Context, name string) (*profiles.Bundle, error) {
	for _, b := range profiles.BuiltIns() {
		if b.Name == name {
			return &b, nil
		}
	}
	bundle, err := t.store.GetProfile(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, swarmerrors.NewNotFoundError("no profile named "+name, nil)
	}
	return bundle, err
}

func (t *toolServer) handleActivateProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return toolError(err), nil
	}
	bundle, err := t.findProfile(ctx, name)
	if err != nil {
		return toolError(err), nil
	}

	var started, skipped, failed []string
	for _, entry := range bundle.Entries {
		if snap, live := t.sup.Get(entry.Name); live {
			if snap.State == workers.StateConnected {
				skipped = append(skipped, entry.Name)
				continue
			}
			// Live but broken: replace it with a fresh spawn.
			t.sup.Stop(entry.Name)
		}
		snap, err := t.sup.Declare(ctx, entry.Config())
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", entry.Name, err))
			continue
		}
		if snap.State == workers.StateConnected {
			if err := t.store.UpsertWorker(ctx, snap.Config); err != nil {
				failed = append(failed, fmt.Sprintf("%s (persist: %v)", entry.Name, err))
				continue
			}
		}
		started = append(started, entry.Name)
	}

	return jsonResult(map[string]any{
		"profile": name,
		"started": started,
		"skipped": skipped,
		"failed":  failed,
	}), nil
}

func (t *toolServer) handleDeactivateProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return toolError(err), nil
	}
	bundle, err := t.findProfile(ctx, name)
	if err != nil {
		return toolError(err), nil
	}

	var stopped []string
	for _, entry := range bundle.Entries {
		if _, live := t.sup.Get(entry.Name); live {
			t.sup.Stop(entry.Name)
			stopped = append(stopped, entry.Name)
		}
	}
	// Persisted configs deliberately survive deactivation.
	return jsonResult(map[string]any{"profile": name, "stopped": stopped}), nil
}

func (t *toolServer) handleCreateProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return toolError(err), nil
	}
	if profiles.IsBuiltIn(name) {
		return toolError(swarmerrors.NewConflictError("profile "+name+" is built-in and cannot be overwritten", nil)), nil
	}

	rawEntries, err := json.Marshal(req.GetArguments()["entries"])
	if err != nil {
		return toolErrorf("invalid entries: %v", err), nil
	}
	var entries []profiles.Entry
	if err := json.Unmarshal(rawEntries, &entries); err != nil {
		return toolErrorf("invalid entries: %v", err), nil
	}

	bundle := &profiles.Bundle{
		Name:        name,
		Description: req.GetString("description", ""),
		Entries:     entries,
	}
	if err := bundle.Validate(); err != nil {
		return toolError(swarmerrors.NewBadInputError(err.Error(), nil)), nil
	}
	if err := t.store.UpsertProfile(ctx, bundle); err != nil {
		return toolErrorf("failed to persist profile: %v", err), nil
	}
	return mcp.NewToolResultText("created profile " + name), nil
}

func (t *toolServer) handleDeleteProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return toolError(err), nil
	}
	if profiles.IsBuiltIn(name) {
		return toolError(swarmerrors.NewProtectedError("profile "+name+" is built-in", nil)), nil
	}
	if _, err := t.store.GetProfile(ctx, name); errors.Is(err, store.ErrNotFound) {
		return toolErrorf("no profile named %q", name), nil
	} else if err != nil {
		return toolErrorf("failed to read store: %v", err), nil
	}
	if err := t.store.DeleteProfile(ctx, name); err != nil {
		return toolErrorf("failed to delete profile: %v", err), nil
	}
	return mcp.NewToolResultText("deleted profile " + name), nil
}
