package testserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

type fakeDoc struct {
	id      string
	routing string
	source  json.RawMessage
}

// fakeCluster is an in-memory stand-in for the parts of the REST API the
// control-plane client uses.
type fakeCluster struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	version      string
	username     string
	password     string
	healthStatus int
	createStatus int
	failBulk     bool
	indices      map[string]json.RawMessage
	templates    map[string]string
	docs         map[string][]fakeDoc
	requests     []string
	requestURIs  []string
	bulkHeaders  []http.Header
	bulkBodies   []string
}

func newFakeCluster(t *testing.T) *fakeCluster {
	t.Helper()

	fc := &fakeCluster{
		t:            t,
		version:      "7.10.2",
		healthStatus: http.StatusOK,
		createStatus: http.StatusOK,
		indices:      make(map[string]json.RawMessage),
		templates:    make(map[string]string),
		docs:         make(map[string][]fakeDoc),
	}

	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		fc.requests = append(fc.requests, r.Method+" "+r.URL.Path)
		fc.requestURIs = append(fc.requestURIs, r.RequestURI)
		username, password := fc.username, fc.password
		fc.mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")

		if username != "" {
			u, p, ok := r.BasicAuth()
			if !ok || u != username || p != password {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		fc.route(w, r)
	}))
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCluster) port() int {
	u, err := url.Parse(fc.srv.URL)
	require.NoError(fc.t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(fc.t, err)
	return port
}

// client returns a control-plane client bound to the fake cluster.
func (fc *fakeCluster) client(indices *IndicesDescription, templates *TemplatesDescription) *restClient {
	fc.t.Helper()

	u, err := url.Parse(fc.srv.URL)
	require.NoError(fc.t, err)
	tp, err := (&endpoint{url: u}).transport()
	require.NoError(fc.t, err)
	metrics, err := newInstruments(noop.NewMeterProvider())
	require.NoError(fc.t, err)

	if indices == nil {
		indices = newIndicesDescription()
	}
	if templates == nil {
		templates = newTemplatesDescription()
	}
	return &restClient{
		transport:     tp,
		indices:       indices,
		templates:     templates,
		healthTimeout: DefaultHealthTimeout,
		log:           testr.New(fc.t),
		metrics:       metrics,
	}
}

// count returns how many requests matched "METHOD /path".
func (fc *fakeCluster) count(request string) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	n := 0
	for _, r := range fc.requests {
		if r == request {
			n++
		}
	}
	return n
}

// locked runs fn while holding the cluster lock.
func (fc *fakeCluster) locked(fn func()) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fn()
}

func (fc *fakeCluster) indexBody(name string) string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return string(fc.indices[name])
}

func (fc *fakeCluster) indexNames() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	names := make([]string, 0, len(fc.indices))
	for name := range fc.indices {
		names = append(names, name)
	}
	return names
}

func (fc *fakeCluster) templateBody(name string) string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.templates[name]
}

func (fc *fakeCluster) templateCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.templates)
}

// uris returns the raw request URIs in arrival order.
func (fc *fakeCluster) uris() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.requestURIs...)
}

func (fc *fakeCluster) bulkRequests() ([]string, []http.Header) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.bulkBodies...), append([]http.Header(nil), fc.bulkHeaders...)
}

func (fc *fakeCluster) route(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		fc.info(w)
	case r.URL.Path == "/_cluster/health" && r.Method == http.MethodGet:
		fc.health(w, r)
	case r.URL.Path == "/_refresh" && r.Method == http.MethodPost:
		fc.ok(w)
	case r.URL.Path == "/_bulk" && r.Method == http.MethodPost:
		fc.bulk(w, r)
	case r.URL.Path == "/_search" && r.Method == http.MethodGet:
		fc.search(w, r, "")
	case len(parts) == 2 && parts[1] == "_search" && r.Method == http.MethodGet:
		fc.search(w, r, parts[0])
	case len(parts) == 2 && parts[0] == "_template" && r.Method == http.MethodHead:
		fc.templateExists(w, parts[1])
	case len(parts) == 2 && parts[0] == "_template" && r.Method == http.MethodPut:
		fc.putTemplate(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "_template" && r.Method == http.MethodDelete:
		fc.deleteTemplate(w, parts[1])
	case len(parts) == 1 && r.Method == http.MethodHead:
		fc.indexExists(w, parts[0])
	case len(parts) == 1 && r.Method == http.MethodPut:
		fc.createIndex(w, r, parts[0])
	case len(parts) == 1 && r.Method == http.MethodDelete:
		fc.deleteIndex(w, parts[0])
	default:
		fc.t.Errorf("unexpected request %s %s", r.Method, r.URL)
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fc *fakeCluster) ok(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (fc *fakeCluster) info(w http.ResponseWriter) {
	fc.mu.Lock()
	version := fc.version
	fc.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "node-1",
		"version": map[string]any{"number": version},
		"tagline": "You Know, for Search",
	})
}

func (fc *fakeCluster) health(w http.ResponseWriter, r *http.Request) {
	if got := r.URL.Query().Get("wait_for_status"); got != "yellow" {
		fc.t.Errorf("health request without wait_for_status=yellow: %q", r.URL.RawQuery)
	}
	fc.mu.Lock()
	status := fc.healthStatus
	fc.mu.Unlock()
	writeJSON(w, status, map[string]any{"status": "yellow", "timed_out": status != http.StatusOK})
}

func (fc *fakeCluster) indexExists(w http.ResponseWriter, index string) {
	fc.mu.Lock()
	_, ok := fc.indices[index]
	fc.mu.Unlock()
	if ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (fc *fakeCluster) createIndex(w http.ResponseWriter, r *http.Request, index string) {
	body, _ := io.ReadAll(r.Body)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.createStatus != http.StatusOK {
		writeJSON(w, fc.createStatus, map[string]any{"error": "rejected", "status": fc.createStatus})
		return
	}
	fc.indices[index] = body
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "index": index})
}

func (fc *fakeCluster) deleteIndex(w http.ResponseWriter, index string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	delete(fc.indices, index)
	delete(fc.docs, index)
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (fc *fakeCluster) templateExists(w http.ResponseWriter, name string) {
	fc.mu.Lock()
	_, ok := fc.templates[name]
	fc.mu.Unlock()
	if ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (fc *fakeCluster) putTemplate(w http.ResponseWriter, r *http.Request, name string) {
	body, _ := io.ReadAll(r.Body)
	fc.mu.Lock()
	fc.templates[name] = string(body)
	fc.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (fc *fakeCluster) deleteTemplate(w http.ResponseWriter, name string) {
	fc.mu.Lock()
	delete(fc.templates, name)
	fc.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (fc *fakeCluster) bulk(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.bulkHeaders = append(fc.bulkHeaders, r.Header.Clone())
	fc.bulkBodies = append(fc.bulkBodies, string(body))

	routingKey := "routing"
	if major, _, _ := strings.Cut(fc.version, "."); major != "" {
		if n, err := strconv.Atoi(major); err == nil && n < 7 {
			routingKey = "_routing"
		}
	}

	var items []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var action map[string]map[string]string
		if err := json.Unmarshal(sc.Bytes(), &action); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("bad action line: %v", err)})
			return
		}
		meta := action["index"]
		if !sc.Scan() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing source line"})
			return
		}
		source := json.RawMessage(append([]byte(nil), sc.Bytes()...))
		if !json.Valid(source) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid source line"})
			return
		}

		index := meta["_index"]
		item := map[string]any{"_index": index, "_id": meta["_id"], "status": http.StatusCreated}
		if fc.failBulk {
			item["status"] = http.StatusBadRequest
			item["error"] = map[string]any{"type": "mapper_parsing_exception", "reason": "failed to parse"}
		} else {
			fc.docs[index] = append(fc.docs[index], fakeDoc{id: meta["_id"], routing: meta[routingKey], source: source})
			if _, ok := fc.indices[index]; !ok {
				fc.indices[index] = nil
			}
		}
		items = append(items, map[string]any{"index": item})
	}

	writeJSON(w, http.StatusOK, map[string]any{"took": 1, "errors": fc.failBulk, "items": items})
}

func (fc *fakeCluster) search(w http.ResponseWriter, r *http.Request, index string) {
	routing := r.URL.Query().Get("routing")

	fc.mu.Lock()
	defer fc.mu.Unlock()

	var docs []fakeDoc
	if index != "" {
		for _, name := range strings.Split(index, ",") {
			if _, ok := fc.indices[name]; !ok {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "index_not_found_exception"})
				return
			}
			docs = append(docs, fc.docs[name]...)
		}
	} else {
		for _, d := range fc.docs {
			docs = append(docs, d...)
		}
	}

	hits := []map[string]any{}
	for _, d := range docs {
		if routing != "" && d.routing != routing {
			continue
		}
		hits = append(hits, map[string]any{"_id": d.id, "_source": d.source})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hits": map[string]any{
			"total": map[string]any{"value": len(hits)},
			"hits":  hits,
		},
	})
}
