package openapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widgetRequest struct {
	Name string `json:"name"`
}

type widget struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Note      *string           `json:"note,omitempty"`
	Sizes     []int             `json:"sizes"`
	CreatedAt time.Time         `json:"created_at"`
	Skipped   string            `json:"-"`
	internal  string
}

func testGenerator() *Generator {
	g := NewGenerator(WithTitle("widgets"), WithVersion("2.0.0"), WithServer("http://localhost:8080"))
	g.AddEndpoint(Endpoint{
		Method: http.MethodPost, Path: "/widgets", OperationID: "createWidget", Tag: "Widgets",
		Request: widgetRequest{}, FormField: "name",
		Responses: map[int]any{http.StatusCreated: widget{}, http.StatusBadRequest: nil},
	})
	g.AddEndpoint(Endpoint{
		Method: http.MethodGet, Path: "/widgets/{id}", OperationID: "getWidget",
		Responses: map[int]any{http.StatusOK: &widget{}},
	})
	g.AddEndpoint(Endpoint{
		Method: http.MethodDelete, Path: "/widgets/{id}", OperationID: "deleteWidget",
		Responses: map[int]any{http.StatusNoContent: nil},
	})
	return g
}

func TestGenerate_Document(t *testing.T) {
	spec := testGenerator().Generate()

	assert.Equal(t, "3.0.3", spec.OpenAPI)
	assert.Equal(t, "widgets", spec.Info.Title)
	assert.Equal(t, "2.0.0", spec.Info.Version)
	require.Len(t, spec.Servers, 1)
	require.NoError(t, spec.Validate(context.Background()))

	create := spec.Paths.Value("/widgets").Post
	require.NotNil(t, create)
	assert.Equal(t, []string{"Widgets"}, create.Tags)
	assert.Contains(t, create.RequestBody.Value.Content, "application/json")
	assert.Contains(t, create.RequestBody.Value.Content, "application/x-www-form-urlencoded")
	assert.NotNil(t, create.Responses.Value("201"))
	assert.NotNil(t, create.Responses.Value("400"))

	item := spec.Paths.Value("/widgets/{id}")
	require.NotNil(t, item.Get)
	require.NotNil(t, item.Delete)
	require.Len(t, item.Parameters, 1, "path parameters are declared once per path")
	assert.Equal(t, "path", item.Parameters[0].Value.In)
	assert.True(t, item.Parameters[0].Value.Required)
}

func TestGenerate_Schema(t *testing.T) {
	spec := testGenerator().Generate()

	ref := spec.Components.Schemas["widget"]
	require.NotNil(t, ref)
	s := ref.Value

	assert.ElementsMatch(t, []string{"id", "name", "sizes", "created_at"}, s.Required)
	assert.NotContains(t, s.Properties, "internal")
	assert.NotContains(t, s.Properties, "Skipped")
	assert.Equal(t, "date-time", s.Properties["created_at"].Value.Format)
	assert.True(t, s.Properties["sizes"].Value.Type.Is("array"))
	assert.True(t, s.Properties["labels"].Value.Type.Is("object"))
	assert.True(t, s.Properties["note"].Value.Nullable)
}

func TestGenerate_Cached(t *testing.T) {
	g := testGenerator()
	first := g.Generate()
	assert.Same(t, first, g.Generate())

	g.AddEndpoint(Endpoint{Method: http.MethodGet, Path: "/ping", OperationID: "ping"})
	second := g.Generate()
	assert.NotSame(t, first, second)
	assert.NotNil(t, second.Paths.Value("/ping"))
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	testGenerator().Handler()(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])
}
