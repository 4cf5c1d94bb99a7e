package api

import "net/http"

type route struct {
	path    string
	summary string
	params  []string
}

var routes = []route{
	{"/healthz", "Liveness and queue summary", nil},
	{"/queue", "List queue entries", []string{"status", "agent", "root", "limit"}},
	{"/queue/next", "Entry the next claim would take", nil},
	{"/queue/stats", "Entry counts per status", nil},
	{"/queue/{workspace}", "One entry with its queue position", nil},
	{"/queue/{workspace}/events", "Entry history, oldest first", []string{"limit"}},
	{"/stack/{workspace}", "Stack graph view of a workspace", nil},
	{"/locks", "Active resource locks", nil},
	{"/locks/{resource}/audit", "Lock history, newest first", []string{"limit"}},
	{"/events", "Server-sent event stream", []string{"type"}},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the read-only API.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		var params []any
		for _, p := range pathParams(rt.path) {
			params = append(params, map[string]any{
				"name": p, "in": "path", "required": true,
				"schema": map[string]any{"type": "string"},
			})
		}
		for _, p := range rt.params {
			params = append(params, map[string]any{
				"name": p, "in": "query", "required": false,
				"schema": map[string]any{"type": "string"},
			})
		}
		op := map[string]any{
			"summary": rt.summary,
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
			},
		}
		if params != nil {
			op["parameters"] = params
		}
		paths[rt.path] = map[string]any{"get": op}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "trainyard",
			"version": "1.0",
		},
		"paths": paths,
	}
}

func pathParams(path string) []string {
	var out []string
	for i := 0; i < len(path); i++ {
		if path[i] != '{' {
			continue
		}
		for j := i + 1; j < len(path); j++ {
			if path[j] == '}' {
				out = append(out, path[i+1:j])
				i = j
				break
			}
		}
	}
	return out
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
