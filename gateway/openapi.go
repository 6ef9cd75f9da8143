package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// openAPI serves an OpenAPI 3 document describing the HTTP surface. Tool call
// paths are built from the cached capability descriptors, so the document
// reflects whatever the subprocess advertised at handshake time.
func (g *Gateway) openAPI(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	paths := map[string]any{
		"/health": map[string]any{
			"get": operation("Service health", "200"),
		},
		"/tools": map[string]any{
			"get": operation("List available tools", "200", "503"),
		},
	}

	for _, tool := range g.bridge.Tools() {
		var schema any = map[string]any{"type": "object"}
		if len(tool.InputSchema) > 0 {
			schema = json.RawMessage(tool.InputSchema)
		}
		paths[fmt.Sprintf("/tools/%s/call", tool.Name)] = map[string]any{
			"post": map[string]any{
				"summary":     tool.Description,
				"operationId": fmt.Sprintf("call_%s", tool.Name),
				"requestBody": map[string]any{
					"content": map[string]any{
						"application/json": map[string]any{"schema": schema},
					},
				},
				"responses": responses("200", "500", "503"),
			},
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":       "restmcp",
			"description": "HTTP bridge to an MCP tool server",
			"version":     "0.1.0",
		},
		"paths": paths,
	})
}

func operation(summary string, statuses ...string) map[string]any {
	return map[string]any{
		"summary":   summary,
		"responses": responses(statuses...),
	}
}

var statusDescriptions = map[string]string{
	"200": "OK",
	"500": "Internal Server Error",
	"503": "Service Unavailable",
}

func responses(statuses ...string) map[string]any {
	out := make(map[string]any, len(statuses))
	for _, s := range statuses {
		out[s] = map[string]any{"description": statusDescriptions[s]}
	}
	return out
}

const apiDocsHTML = `<!DOCTYPE html>
<html>
<head>
  <title>restmcp API docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({url: "/openapi.json", dom_id: "#swagger-ui"});
  </script>
</body>
</html>
`

func (g *Gateway) apiDocs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(apiDocsHTML))
}
