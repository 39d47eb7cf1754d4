package api

import (
	"net/http"
)

func jsonBody(schema map[string]any) map[string]any {
	return map[string]any{
		"required": true,
		"content": map[string]any{
			"application/json": map[string]any{"schema": schema},
		},
	}
}

func imageBody(extra map[string]any) map[string]any {
	props := map[string]any{
		"image":  map[string]any{"type": "string", "contentEncoding": "base64"},
		"job_id": map[string]any{"type": "string"},
	}
	for k, v := range extra {
		props[k] = v
	}
	body := jsonBody(map[string]any{
		"type":       "object",
		"required":   []string{"image"},
		"properties": props,
	})
	body["content"].(map[string]any)["application/octet-stream"] = map[string]any{
		"schema": map[string]any{"type": "string", "format": "binary"},
	}
	return body
}

func operation(id, summary string, body map[string]any, responses map[string]any) map[string]any {
	op := map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses":   responses,
		"security":    []any{map[string]any{"BearerAuth": []string{}}},
	}
	if body != nil {
		op["requestBody"] = body
	}
	return op
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the worker routes.
func buildOpenAPIDoc() map[string]any {
	jobResponses := map[string]any{
		"200": map[string]any{"description": "Job resolved"},
		"400": map[string]any{"description": "Bad request"},
		"401": map[string]any{"description": "Missing or invalid API key"},
		"422": map[string]any{"description": "Job rejected by the engine"},
		"503": map[string]any{"description": "Worker terminated"},
	}
	settings := map[string]any{
		"type":                 "object",
		"additionalProperties": map[string]any{"type": []string{"string", "number", "boolean"}},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "ocrbridge",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/recognize": map[string]any{"post": operation("recognize", "Recognize text in an image",
				imageBody(map[string]any{
					"options": map[string]any{"type": "object"},
					"output":  map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "boolean"}},
				}), jobResponses)},
			"/detect": map[string]any{"post": operation("detect", "Detect orientation and script",
				imageBody(nil), jobResponses)},
			"/reinitialize": map[string]any{"post": operation("reinitialize", "Change languages, mode or config",
				jsonBody(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"langs":  map[string]any{"oneOf": []any{map[string]any{"type": "string"}, map[string]any{"type": "array", "items": map[string]any{"type": "string"}}}},
						"mode":   map[string]any{"type": "string"},
						"config": settings,
						"reset":  map[string]any{"type": "boolean"},
					},
				}), jobResponses)},
			"/parameters": map[string]any{"post": operation("setParameters", "Set engine variables",
				jsonBody(map[string]any{
					"type":       "object",
					"required":   []string{"params"},
					"properties": map[string]any{"params": settings},
				}), jobResponses)},
			"/worker": map[string]any{"get": operation("worker", "Describe the worker", nil,
				map[string]any{"200": map[string]any{"description": "Worker state"}})},
			"/jobs": map[string]any{"get": operation("jobs", "List journaled jobs", nil,
				map[string]any{"200": map[string]any{"description": "Journal entries, newest first"}})},
			"/events": map[string]any{"get": operation("events", "Stream worker events", nil,
				map[string]any{"200": map[string]any{"description": "text/event-stream"}})},
		},
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
	s.writeJSON(w, http.StatusOK, buildOpenAPIDoc())
}
