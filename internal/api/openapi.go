package api

import "net/http"

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document describing the service routes.
func buildOpenAPIDoc() map[string]any {
	bearer := []any{map[string]any{"BearerAuth": []string{}}}
	errorBody := func(desc string) map[string]any {
		return map[string]any{
			"description": desc,
			"content": map[string]any{
				"application/json": map[string]any{"schema": ref("Error")},
			},
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Agent Runner",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/execute": map[string]any{
				"post": map[string]any{
					"operationId": "execute",
					"summary":     "Queue an agent execution; the result is POSTed to callbackUrl",
					"security":    bearer,
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{"schema": ref("ExecutionRequest")},
						},
					},
					"responses": map[string]any{
						"202": map[string]any{
							"description": "Accepted",
							"content": map[string]any{
								"application/json": map[string]any{"schema": ref("Accepted")},
							},
						},
						"400": errorBody("Invalid request"),
						"401": errorBody("Missing or invalid token"),
						"403": errorBody("Insufficient scope"),
						"413": errorBody("Request body too large"),
						"503": errorBody("Shutting down"),
					},
				},
			},
			"/executions/{executionID}": map[string]any{
				"get": map[string]any{
					"operationId": "getExecution",
					"summary":     "Last recorded result of an execution",
					"security":    bearer,
					"parameters": []any{map[string]any{
						"name": "executionID", "in": "path", "required": true,
						"schema": map[string]any{"type": "string"},
					}},
					"responses": map[string]any{
						"200": map[string]any{"description": "Execution record"},
						"404": errorBody("Unknown execution"),
					},
				},
			},
			"/events": map[string]any{
				"get": map[string]any{
					"operationId": "streamEvents",
					"summary":     "Server-sent lifecycle events",
					"security":    bearer,
					"parameters": []any{map[string]any{
						"name": "execution", "in": "query", "required": false,
						"schema": map[string]any{"type": "string"},
					}},
					"responses": map[string]any{
						"200": map[string]any{
							"description": "Event stream",
							"content":     map[string]any{"text/event-stream": map[string]any{}},
						},
					},
				},
			},
			"/healthz": map[string]any{
				"get": map[string]any{
					"operationId": "healthz",
					"summary":     "Liveness and queue status",
					"responses": map[string]any{
						"200": map[string]any{
							"description": "OK",
							"content": map[string]any{
								"application/json": map[string]any{"schema": ref("Health")},
							},
						},
					},
				},
			},
			"/metrics": map[string]any{
				"get": map[string]any{
					"operationId": "metrics",
					"summary":     "Prometheus metrics",
					"responses":   map[string]any{"200": map[string]any{"description": "Exposition text"}},
				},
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": schemas(),
		},
	}
}

func ref(name string) map[string]any {
	return map[string]any{"$ref": "#/components/schemas/" + name}
}

func schemas() map[string]any {
	str := map[string]any{"type": "string"}
	integer := map[string]any{"type": "integer"}
	obj := map[string]any{"type": "object"}

	return map[string]any{
		"Error": map[string]any{
			"type":       "object",
			"required":   []string{"error"},
			"properties": map[string]any{"error": str},
		},
		"Accepted": map[string]any{
			"type":     "object",
			"required": []string{"id", "status"},
			"properties": map[string]any{
				"id":     str,
				"status": map[string]any{"type": "string", "enum": []string{"accepted"}},
			},
		},
		"Health": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": str,
				"queue": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"active": integer,
						"queued": integer,
						"max":    integer,
					},
				},
				"uptimeSeconds": integer,
			},
		},
		"ExecutionRequest": map[string]any{
			"type":     "object",
			"required": []string{"prompt"},
			"properties": map[string]any{
				"id":          str,
				"prompt":      str,
				"callbackUrl": str,
				"metadata":    obj,
				"agent":       obj,
				"workspace": map[string]any{
					"type":     "object",
					"required": []string{"type"},
					"properties": map[string]any{
						"type":      map[string]any{"type": "string", "enum": []string{"git", "tempdir", "none"}},
						"repo":      str,
						"branch":    str,
						"overlays":  map[string]any{"type": "boolean"},
						"seedFiles": map[string]any{"type": "object", "additionalProperties": str},
					},
				},
			},
		},
	}
}
