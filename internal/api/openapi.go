package api

import "net/http"

type route struct {
	method, path, summary string
	ok                    string
}

var routes = []route{
	{"get", "/healthz", "Liveness and queue totals", "200"},
	{"get", "/openapi.json", "This document", "200"},
	{"get", "/events", "Server-sent event stream", "200"},
	{"get", "/users", "List open user scopes", "200"},
	{"post", "/users/{user}", "Open a user scope", "201"},
	{"delete", "/users/{user}", "Close a user scope", "204"},
	{"get", "/users/{user}/history", "Terminal outcomes, newest first", "200"},
	{"get", "/users/{user}/jobs", "Jobs by state and scheduler status", "200"},
	{"post", "/users/{user}/jobs", "Add a job", "201"},
	{"get", "/users/{user}/jobs/{id}", "Get a job", "200"},
	{"delete", "/users/{user}/jobs/{id}", "Remove a job, soft with ?soft=true", "200"},
	{"post", "/users/{user}/jobs/{id}/restore", "Restore a soft-deleted job", "200"},
	{"post", "/users/{user}/jobs/{id}/prioritize", "Set or clear urgency", "200"},
	{"get", "/policy", "Aggregate policy and sources", "200"},
	{"post", "/policy/events", "Inject an environment signal", "200"},
	{"put", "/policy/sources/{name}/ignore", "Ignore a policy source", "200"},
	{"delete", "/policy/sources/{name}/ignore", "Obey a policy source again", "200"},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the control surface.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		item, ok := paths[rt.path].(map[string]any)
		if !ok {
			item = map[string]any{}
			paths[rt.path] = item
		}
		op := map[string]any{
			"summary": rt.summary,
			"responses": map[string]any{
				rt.ok: map[string]any{"description": "OK"},
			},
		}
		if rt.path != "/healthz" {
			op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		}
		item[rt.method] = op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "darkroom",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
