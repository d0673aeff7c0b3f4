package testserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIndex_Idempotent(t *testing.T) {
	fc := newFakeCluster(t)
	c := fc.client(nil, nil)
	ctx := context.Background()

	require.NoError(t, c.createIndex(ctx, "orders"))

	assert.Equal(t, 1, fc.count("HEAD /orders"))
	assert.Equal(t, 1, fc.count("PUT /orders"))
	assert.Equal(t, 1, fc.count("GET /_cluster/health"))
	assert.JSONEq(t, `{"settings":{},"aliases":{},"mappings":{}}`, fc.indexBody("orders"))

	require.NoError(t, c.createIndex(ctx, "orders"))

	assert.Equal(t, 2, fc.count("HEAD /orders"))
	assert.Equal(t, 1, fc.count("PUT /orders"))
	assert.Equal(t, 1, fc.count("GET /_cluster/health"))
}

func TestCreateIndex_WithSpec(t *testing.T) {
	fc := newFakeCluster(t)
	indices := newIndicesDescription()
	indices.add("users", &IndexSpec{
		Mappings: json.RawMessage(`{"properties":{"email":{"type":"keyword"}}}`),
		Settings: json.RawMessage(`{"number_of_shards":1}`),
	})
	c := fc.client(indices, nil)

	require.NoError(t, c.createIndices(context.Background()))

	assert.JSONEq(t, `{
		"settings": {"number_of_shards": 1},
		"aliases": {},
		"mappings": {"properties": {"email": {"type": "keyword"}}}
	}`, fc.indexBody("users"))
	// One wait before creating anything and one after the create.
	assert.Equal(t, 2, fc.count("GET /_cluster/health"))
}

func TestCreateIndex_Rejected(t *testing.T) {
	fc := newFakeCluster(t)
	fc.locked(func() { fc.createStatus = http.StatusBadRequest })
	c := fc.client(nil, nil)

	err := c.createIndex(context.Background(), "orders")

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, reqErr.StatusCode)
	assert.Contains(t, reqErr.Body, "rejected")
	assert.Equal(t, 0, fc.count("GET /_cluster/health"))
}

func TestDeleteIndex_Missing(t *testing.T) {
	fc := newFakeCluster(t)
	c := fc.client(nil, nil)
	var lines []string
	c.log = funcr.New(func(prefix, args string) {
		lines = append(lines, args)
	}, funcr.Options{})

	require.NoError(t, c.deleteIndex(context.Background(), "missing"))

	assert.Equal(t, 1, fc.count("HEAD /missing"))
	assert.Equal(t, 0, fc.count("DELETE /missing"))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "Index does not exist so cannot be removed")
	assert.Contains(t, lines[0], `"index"="missing"`)
}

func TestDeleteIndices(t *testing.T) {
	fc := newFakeCluster(t)
	indices := newIndicesDescription()
	indices.add("a", nil)
	indices.add("b", nil)
	c := fc.client(indices, nil)
	ctx := context.Background()

	require.NoError(t, c.createIndices(ctx))
	require.NoError(t, c.deleteIndices(ctx))

	assert.Empty(t, fc.indexNames())
	assert.Equal(t, 1, fc.count("DELETE /a"))
	assert.Equal(t, 1, fc.count("DELETE /b"))
}

func TestWaitForHealthy_NotHealthy(t *testing.T) {
	fc := newFakeCluster(t)
	fc.locked(func() { fc.healthStatus = http.StatusRequestTimeout })
	c := fc.client(nil, nil)

	err := c.createIndex(context.Background(), "orders")

	assert.ErrorIs(t, err, ErrClusterNotHealthy)
	var reqErr *RequestError
	assert.True(t, errors.As(err, &reqErr))
}

func TestTemplates(t *testing.T) {
	fc := newFakeCluster(t)
	templates := newTemplatesDescription()
	templates.add("logs", `{"index_patterns":["logs-*"]}`)
	c := fc.client(nil, templates)
	ctx := context.Background()

	require.NoError(t, c.createTemplates(ctx))
	require.NoError(t, c.createTemplates(ctx))
	assert.Equal(t, 1, fc.count("PUT /_template/logs"))
	assert.Equal(t, 2, fc.count("HEAD /_template/logs"))
	assert.JSONEq(t, `{"index_patterns":["logs-*"]}`, fc.templateBody("logs"))

	require.NoError(t, c.deleteTemplates(ctx))
	require.NoError(t, c.deleteTemplates(ctx))
	assert.Equal(t, 1, fc.count("DELETE /_template/logs"))
	assert.Zero(t, fc.templateCount())

	assert.ErrorIs(t, c.createTemplate(ctx, "unknown"), ErrUnknownTemplate)
}

func TestTransportFailure(t *testing.T) {
	fc := newFakeCluster(t)
	c := fc.client(nil, nil)
	fc.srv.Close()

	err := c.createIndex(context.Background(), "orders")

	assert.ErrorIs(t, err, ErrTransport)
}

func TestFetchAllDocuments(t *testing.T) {
	fc := newFakeCluster(t)
	c := fc.client(nil, nil)
	ctx := context.Background()

	require.NoError(t, c.bulkIndex(ctx, []IndexRequest{
		NewIndexRequest("b", `{"n":3}`),
		NewIndexRequest("a", `{"n":1}`),
		NewIndexRequest("a", `{"n":2}`).WithRouting("r1"),
	}))

	docs, err := c.fetchAllDocuments(ctx, "", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, docs)

	docs, err = c.fetchAllDocuments(ctx, "", "b", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":3}`, `{"n":1}`, `{"n":2}`}, docs)

	docs, err = c.fetchAllDocuments(ctx, "r1", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":2}`}, docs)

	docs, err = c.fetchAllDocuments(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, docs)
	assert.Equal(t, 1, fc.count("GET /_search"))
}

func TestFetchAllDocuments_IndexListIsEscapedOnce(t *testing.T) {
	fc := newFakeCluster(t)
	c := fc.client(nil, nil)
	ctx := context.Background()

	require.NoError(t, c.bulkIndex(ctx, []IndexRequest{
		NewIndexRequest("logs", `{"n":1}`),
		NewIndexRequest("metrics", `{"n":2}`),
	}))

	docs, err := c.fetchAllDocuments(ctx, "", "logs,metrics")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, docs)

	assert.Equal(t, 1, fc.count("GET /logs,metrics/_search"))
	assert.Contains(t, fc.uris(), "/logs%2Cmetrics/_search?size=10000")
}

func TestFetchAllDocuments_MissingIndex(t *testing.T) {
	fc := newFakeCluster(t)
	c := fc.client(nil, nil)

	_, err := c.fetchAllDocuments(context.Background(), "", "missing")

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
}

func TestParseDocuments(t *testing.T) {
	docs, err := parseDocuments("search", []byte(`{"hits":{"hits":[{"_source":{ "a" : [1, 2] }}]}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":[1,2]}`}, docs)

	_, err = parseDocuments("search", []byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = parseDocuments("search", []byte(`{"took":1}`))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
