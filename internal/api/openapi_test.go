package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAPIDocument(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/openapi.json", readerKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[map[string]any](t, rec)

	assert.Equal(t, "3.1.0", doc["openapi"])
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, paths, 2)

	echo := paths["/servers/echo/tools/echo"].(map[string]any)["post"].(map[string]any)
	assert.Equal(t, "echo__echo", echo["operationId"])
	assert.Equal(t, "Returns its arguments", echo["summary"])

	sleep := paths["/servers/echo/tools/sleep"].(map[string]any)["post"].(map[string]any)
	assert.Equal(t, "echo: sleep", sleep["summary"])
	schema := sleep["requestBody"].(map[string]any)["content"].(map[string]any)["application/json"].(map[string]any)["schema"].(map[string]any)
	args := schema["properties"].(map[string]any)["arguments"].(map[string]any)
	assert.Equal(t, "object", args["type"])
	assert.Equal(t, map[string]any{"type": "integer"}, args["properties"].(map[string]any)["ms"])
}
