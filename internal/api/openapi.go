package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/mattjoyce/plughost/internal/plugin"
)

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.registry.All()))
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one operation per declared tool.
func buildOpenAPIDoc(plugins map[string]*plugin.Plugin) map[string]any {
	paths := map[string]any{}

	names := make([]string, 0, len(plugins))
	for name := range plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for path, item := range buildPluginPaths(name, plugins[name]) {
			paths[path] = item
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "plughost",
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

// buildPluginPaths builds OpenAPI path items for a single plugin's tools.
func buildPluginPaths(name string, p *plugin.Plugin) map[string]any {
	paths := map[string]any{}

	for _, tool := range p.Tools {
		summary := tool.Description
		if summary == "" {
			summary = fmt.Sprintf("%s: %s", name, tool.Name)
		}

		operation := map[string]any{
			"operationId": fmt.Sprintf("%s__%s", name, tool.Name),
			"summary":     summary,
			"tags":        []string{name},
			"responses": map[string]any{
				"200": map[string]any{"description": "Tool result"},
				"403": map[string]any{"description": "Insufficient scope"},
				"422": map[string]any{"description": "Tool returned an error"},
				"502": map[string]any{"description": "Plugin unavailable or crashed"},
				"504": map[string]any{"description": "Tool call timed out"},
			},
			"security": []any{map[string]any{"BearerAuth": []string{}}},
		}

		body := map[string]any{"type": "object"}
		if schema := tool.FullInputSchema(); schema != nil {
			body = map[string]any{
				"type":       "object",
				"properties": map[string]any{"arguments": schema},
			}
		}
		operation["requestBody"] = map[string]any{
			"required": false,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": body,
				},
			},
		}

		paths[fmt.Sprintf("/servers/%s/tools/%s", name, tool.Name)] = map[string]any{
			"post": operation,
		}
	}

	return paths
}
