package testserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/go-logr/logr"
)

const (
	// DefaultHealthTimeout is how long the server may take to reach yellow status.
	DefaultHealthTimeout = 60 * time.Second

	// maxSearchSize is the default index.max_result_window.
	maxSearchSize = 10000
)

// restClient provisions indices and templates and loads documents through the
// REST API of a single server. It issues one request at a time and must not be
// used from several goroutines at once.
type restClient struct {
	transport     esapi.Transport
	indices       *IndicesDescription
	templates     *TemplatesDescription
	healthTimeout time.Duration
	log           logr.Logger
	metrics       *instruments
}

// rawRequest is an esapi.Request for calls whose exact wire shape matters.
// path is unescaped; rawPath, when set, is its escaped form.
type rawRequest struct {
	method  string
	path    string
	rawPath string
	query   url.Values
	header http.Header
	body   io.Reader
}

func (r rawRequest) Do(ctx context.Context, transport esapi.Transport) (*esapi.Response, error) {
	u := url.URL{Path: r.path, RawPath: r.rawPath, RawQuery: r.query.Encode()}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), r.body)
	if err != nil {
		return nil, err
	}
	for k, vv := range r.header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	res, err := transport.Perform(req)
	if err != nil {
		return nil, err
	}
	return &esapi.Response{StatusCode: res.StatusCode, Header: res.Header, Body: res.Body}, nil
}

// perform sends req and reads the whole response. kind labels the request in metrics.
func (c *restClient) perform(ctx context.Context, kind string, req esapi.Request) (int, []byte, error) {
	res, err := req.Do(ctx, c.transport)
	if err != nil {
		return 0, nil, transportError(kind, err)
	}
	var body []byte
	if res.Body != nil {
		defer res.Body.Close()
		if body, err = io.ReadAll(res.Body); err != nil {
			return res.StatusCode, nil, transportError(kind, err)
		}
	}
	c.metrics.recordRequest(ctx, kind, res.StatusCode)
	return res.StatusCode, body, nil
}

// checkResponse turns a non-2xx response into a *RequestError.
func checkResponse(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return &RequestError{Op: op, StatusCode: status, Body: string(body)}
}

// waitForHealthy blocks server-side until the cluster is at least yellow.
func (c *restClient) waitForHealthy(ctx context.Context) error {
	status, body, err := c.perform(ctx, "cluster.health", esapi.ClusterHealthRequest{
		WaitForStatus: "yellow",
		Timeout:       c.healthTimeout,
	})
	if err != nil {
		return err
	}
	if err := checkResponse("waiting for cluster health", status, body); err != nil {
		return fmt.Errorf("%w: %w", ErrClusterNotHealthy, err)
	}
	return nil
}

// exists interprets a HEAD probe: 200 means present, 404 absent.
func (c *restClient) exists(ctx context.Context, kind, op string, req esapi.Request) (bool, error) {
	status, body, err := c.perform(ctx, kind, req)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, checkResponse(op, status, body)
	}
}

func (c *restClient) indexExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx, "indices.exists", fmt.Sprintf("checking index %q", name),
		esapi.IndicesExistsRequest{Index: []string{name}})
}

func (c *restClient) templateExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx, "indices.exists_template", fmt.Sprintf("checking template %q", name),
		esapi.IndicesExistsTemplateRequest{Name: []string{name}})
}

// createIndices waits for the cluster and creates every declared index.
func (c *restClient) createIndices(ctx context.Context) error {
	if err := c.waitForHealthy(ctx); err != nil {
		return err
	}
	for _, name := range c.indices.Names() {
		if err := c.createIndex(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// createIndex creates name with its declared spec unless it already exists.
func (c *restClient) createIndex(ctx context.Context, name string) error {
	exists, err := c.indexExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		c.log.V(1).Info("Index already exists", "index", name)
		return nil
	}

	spec := c.indices.Spec(name)
	if spec == nil {
		spec = &IndexSpec{}
	}
	req := esapi.IndicesCreateRequest{Index: name, Body: esutil.NewJSONReader(spec)}

	op := fmt.Sprintf("creating index %q", name)
	status, body, err := c.perform(ctx, "indices.create", req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := checkResponse(op, status, body); err != nil {
		return err
	}
	return c.waitForHealthy(ctx)
}

// deleteIndices deletes every declared index.
func (c *restClient) deleteIndices(ctx context.Context) error {
	for _, name := range c.indices.Names() {
		if err := c.deleteIndex(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// deleteIndex deletes name. A missing index is not an error.
func (c *restClient) deleteIndex(ctx context.Context, name string) error {
	exists, err := c.indexExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		c.log.Info("Index does not exist so cannot be removed", "index", name)
		return nil
	}

	op := fmt.Sprintf("deleting index %q", name)
	status, body, err := c.perform(ctx, "indices.delete", esapi.IndicesDeleteRequest{Index: []string{name}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := checkResponse(op, status, body); err != nil {
		return err
	}
	return c.waitForHealthy(ctx)
}

// createTemplates creates every declared template.
func (c *restClient) createTemplates(ctx context.Context) error {
	for _, name := range c.templates.Names() {
		if err := c.createTemplate(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// createTemplate puts the declared body of name unless the template exists.
func (c *restClient) createTemplate(ctx context.Context, name string) error {
	tmpl, ok := c.templates.Body(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}

	exists, err := c.templateExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		c.log.V(1).Info("Template already exists", "template", name)
		return nil
	}

	op := fmt.Sprintf("creating template %q", name)
	status, body, err := c.perform(ctx, "indices.put_template", esapi.IndicesPutTemplateRequest{
		Name: name,
		Body: strings.NewReader(tmpl),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := checkResponse(op, status, body); err != nil {
		return err
	}
	return c.waitForHealthy(ctx)
}

// deleteTemplates deletes every declared template.
func (c *restClient) deleteTemplates(ctx context.Context) error {
	for _, name := range c.templates.Names() {
		if err := c.deleteTemplate(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// deleteTemplate deletes name. A missing template is not an error.
func (c *restClient) deleteTemplate(ctx context.Context, name string) error {
	exists, err := c.templateExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		c.log.Info("Template does not exist so cannot be removed", "template", name)
		return nil
	}

	op := fmt.Sprintf("deleting template %q", name)
	status, body, err := c.perform(ctx, "indices.delete_template", esapi.IndicesDeleteTemplateRequest{Name: name})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := checkResponse(op, status, body); err != nil {
		return err
	}
	return c.waitForHealthy(ctx)
}

// refresh makes recent writes searchable. Only transport failures are
// reported; a rejected refresh is logged.
func (c *restClient) refresh(ctx context.Context) error {
	status, body, err := c.perform(ctx, "indices.refresh", esapi.IndicesRefreshRequest{})
	if err != nil {
		return fmt.Errorf("refreshing indices: %w", err)
	}
	if err := checkResponse("refreshing indices", status, body); err != nil {
		c.log.Info("Refresh was rejected", "status", status, "body", string(body))
	}
	return nil
}

// fetchAllDocuments returns the _source of every document in indices, or in
// the whole cluster when none are given, in index argument order.
func (c *restClient) fetchAllDocuments(ctx context.Context, routing string, indices ...string) ([]string, error) {
	if len(indices) == 0 {
		return c.searchDocuments(ctx, "", routing)
	}
	var docs []string
	for _, index := range indices {
		found, err := c.searchDocuments(ctx, index, routing)
		if err != nil {
			return nil, err
		}
		docs = append(docs, found...)
	}
	return docs, nil
}

type searchResponse struct {
	Hits *struct {
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (c *restClient) searchDocuments(ctx context.Context, index, routing string) ([]string, error) {
	req := rawRequest{method: http.MethodGet, path: "/_search"}
	if index != "" {
		req.path = "/" + index + "/_search"
		req.rawPath = "/" + url.PathEscape(index) + "/_search"
	}
	req.query = url.Values{"size": {strconv.Itoa(maxSearchSize)}}
	if routing != "" {
		req.query.Set("routing", routing)
	}

	op := fmt.Sprintf("searching %s", req.path)
	status, body, err := c.perform(ctx, "search", req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := checkResponse(op, status, body); err != nil {
		return nil, err
	}
	return parseDocuments(op, body)
}

// parseDocuments extracts hits.hits[]._source as compact JSON text.
func parseDocuments(op string, body []byte) ([]string, error) {
	var res searchResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, malformedResponse(op, err)
	}
	if res.Hits == nil {
		return nil, malformedResponse(op, errors.New("no hits in search response"))
	}

	docs := make([]string, 0, len(res.Hits.Hits))
	for _, hit := range res.Hits.Hits {
		var buf bytes.Buffer
		if err := json.Compact(&buf, hit.Source); err != nil {
			return nil, malformedResponse(op, err)
		}
		docs = append(docs, buf.String())
	}
	return docs, nil
}
