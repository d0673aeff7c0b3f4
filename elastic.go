// Package testserver runs a real Elasticsearch server as a child process for
// integration tests and provisions its indices, templates and documents.
//
//	es, err := testserver.New(
//	    testserver.WithInstallationDirectory(os.Getenv("ES_HOME")),
//	    testserver.WithIndex("orders", &testserver.IndexSpec{Mappings: mappings}),
//	)
//	if err != nil { ... }
//	if err := es.Start(); err != nil { ... }
//	defer es.Stop()
package testserver

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const securityUser = "elastic"

// Elastic is a supervised Elasticsearch server together with the indices,
// templates and fixtures it is provisioned with.
type Elastic struct {
	id  uuid.UUID
	ctx context.Context
	log logr.Logger

	cfg            serverConfig
	healthTimeout  time.Duration
	settings       instanceSettings
	security       bool
	indices        *IndicesDescription
	templates      *TemplatesDescription
	fixturesDir    string
	fixtures       []*indexFixture
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	roundTripper   http.RoundTripper
	hooks          *ExitHooks

	server *server

	mu       sync.Mutex
	started  bool
	endpoint *endpoint
	rest     *restClient
}

// New creates an instance from opts. Either WithInstallationDirectory or
// WithExecutable is required.
//
// Fixture files are parsed during construction, so any file format errors
// are reported immediately.
func New(opts ...Option) (*Elastic, error) {
	e := &Elastic{
		id:            uuid.New(),
		ctx:           context.Background(),
		log:           stdr.New(stdlog.New(os.Stderr, "", stdlog.LstdFlags)).WithName("testserver"),
		healthTimeout: DefaultHealthTimeout,
		settings:      make(instanceSettings),
		indices:       newIndicesDescription(),
		templates:     newTemplatesDescription(),
		meterProvider: otel.GetMeterProvider(),
		hooks:         DefaultExitHooks,
		cfg: serverConfig{
			startTimeout: DefaultStartTimeout,
			javaHome:     UseSystemJava(),
		},
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("testserver: applying option: %w", err)
		}
	}

	if e.cfg.executable == "" {
		if e.cfg.installationDirectory == "" {
			return nil, errors.New("testserver: WithInstallationDirectory or WithExecutable is required")
		}
		e.cfg.executable = binary(e.cfg.installationDirectory, "elasticsearch")
	}
	if e.cfg.setupPasswordsExecutable == "" && e.cfg.installationDirectory != "" {
		e.cfg.setupPasswordsExecutable = binary(e.cfg.installationDirectory, "elasticsearch-setup-passwords")
	}

	if e.fixturesDir != "" {
		fixtures, err := parseFixtures(e.fixturesDir)
		if err != nil {
			return nil, fmt.Errorf("testserver: %w", err)
		}
		for _, f := range fixtures {
			e.indices.add(f.name, f.spec)
		}
		e.fixtures = fixtures
	}

	metrics, err := newInstruments(e.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("testserver: creating instruments: %w", err)
	}

	e.log = e.log.WithValues("instance", e.id.String())
	e.server = newServer(e.cfg, e.log, metrics, e.hooks)
	return e, nil
}

func binary(installDir, name string) string {
	if runtime.GOOS == "windows" {
		name += ".bat"
	}
	return filepath.Join(installDir, "bin", name)
}

// Start launches the server, waits until it is ready, then creates the
// declared templates and indices. Calling Start on a started instance does
// nothing. If provisioning fails the server is stopped again.
func (e *Elastic) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runningLocked() {
		return nil
	}
	e.log.Info("Starting embedded Elastic")

	if e.cfg.installationDirectory != "" {
		if err := e.settings.writeTo(e.cfg.installationDirectory, "testserver-"+e.id.String()); err != nil {
			return fmt.Errorf("testserver: %w", err)
		}
	}
	if err := e.server.start(e.ctx); err != nil {
		return err
	}

	if err := e.connect(); err != nil {
		return errors.Join(err, e.server.stop())
	}
	e.started = true

	if err := e.rest.createTemplates(e.ctx); err != nil {
		return errors.Join(err, e.stopLocked())
	}
	if err := e.rest.createIndices(e.ctx); err != nil {
		return errors.Join(err, e.stopLocked())
	}
	return nil
}

func (e *Elastic) connect() error {
	ep := newEndpoint(e.server.getHTTPPort())
	ep.roundTripper = e.roundTripper
	ep.tracerProvider = e.tracerProvider
	if e.security {
		password, err := e.server.password(e.ctx, securityUser)
		if err != nil {
			return err
		}
		ep.username, ep.password = securityUser, password
	}

	tp, err := ep.transport()
	if err != nil {
		return fmt.Errorf("testserver: %w", err)
	}
	e.endpoint = ep
	e.rest = &restClient{
		transport:     tp,
		indices:       e.indices,
		templates:     e.templates,
		healthTimeout: e.healthTimeout,
		log:           e.log,
		metrics:       e.server.metrics,
	}
	return nil
}

// Stop stops the server and waits for it to exit. It is safe to call more
// than once.
func (e *Elastic) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

// runningLocked reports whether the instance is started and its server is
// still ready. A server stopped by an exit hook leaves the instance stopped.
func (e *Elastic) runningLocked() bool {
	if !e.started {
		return false
	}
	if e.server.getState() == StateReady {
		return true
	}
	e.started = false
	e.rest = nil
	e.endpoint = nil
	return false
}

func (e *Elastic) stopLocked() error {
	if !e.started {
		return nil
	}
	e.started = false
	e.rest = nil
	e.endpoint = nil
	return e.server.stop()
}

// State returns the lifecycle state of the server process.
func (e *Elastic) State() State {
	return e.server.getState()
}

// HTTPPort returns the HTTP port of the server, or -1 before it started.
func (e *Elastic) HTTPPort() int {
	return e.server.getHTTPPort()
}

// TransportTCPPort returns the transport port of the server, or -1 before it started.
func (e *Elastic) TransportTCPPort() int {
	return e.server.getTransportPort()
}

// PID returns the server's process id as it reported it, or -1.
func (e *Elastic) PID() int {
	return e.server.getPID()
}

// URL returns the HTTP address of the started server.
func (e *Elastic) URL() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.runningLocked() {
		return "", ErrNotStarted
	}
	return e.endpoint.url.String(), nil
}

// Password returns the password generated for user when security is enabled.
// The setup tool runs on the first call only.
func (e *Elastic) Password(user string) (string, error) {
	return e.server.password(e.ctx, user)
}

// Client returns an Elasticsearch client for the started server.
func (e *Elastic) Client() (*elasticsearch.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.runningLocked() {
		return nil, ErrNotStarted
	}
	c, err := e.endpoint.client()
	if err != nil {
		return nil, fmt.Errorf("testserver: %w", err)
	}
	return c, nil
}

// withRest runs fn with the control-plane client. Calls are serialized.
func (e *Elastic) withRest(fn func(c *restClient) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.runningLocked() {
		return ErrNotStarted
	}
	return fn(e.rest)
}

// CreateIndex creates a declared or undeclared index if it does not exist.
func (e *Elastic) CreateIndex(name string) error {
	return e.withRest(func(c *restClient) error { return c.createIndex(e.ctx, name) })
}

// CreateIndices creates every declared index that does not exist.
func (e *Elastic) CreateIndices() error {
	return e.withRest(func(c *restClient) error { return c.createIndices(e.ctx) })
}

// DeleteIndex deletes an index. Deleting a missing index is not an error.
func (e *Elastic) DeleteIndex(name string) error {
	return e.withRest(func(c *restClient) error { return c.deleteIndex(e.ctx, name) })
}

// DeleteIndices deletes every declared index.
func (e *Elastic) DeleteIndices() error {
	return e.withRest(func(c *restClient) error { return c.deleteIndices(e.ctx) })
}

// RecreateIndex deletes and creates an index, dropping its documents.
func (e *Elastic) RecreateIndex(name string) error {
	return e.withRest(func(c *restClient) error {
		if err := c.deleteIndex(e.ctx, name); err != nil {
			return err
		}
		return c.createIndex(e.ctx, name)
	})
}

// RecreateIndices deletes and creates every declared index.
func (e *Elastic) RecreateIndices() error {
	return e.withRest(func(c *restClient) error {
		if err := c.deleteIndices(e.ctx); err != nil {
			return err
		}
		return c.createIndices(e.ctx)
	})
}

// CreateTemplate creates a declared template if it does not exist.
func (e *Elastic) CreateTemplate(name string) error {
	return e.withRest(func(c *restClient) error { return c.createTemplate(e.ctx, name) })
}

// CreateTemplates creates every declared template that does not exist.
func (e *Elastic) CreateTemplates() error {
	return e.withRest(func(c *restClient) error { return c.createTemplates(e.ctx) })
}

// DeleteTemplate deletes a template. Deleting a missing template is not an error.
func (e *Elastic) DeleteTemplate(name string) error {
	return e.withRest(func(c *restClient) error { return c.deleteTemplate(e.ctx, name) })
}

// DeleteTemplates deletes every declared template.
func (e *Elastic) DeleteTemplates() error {
	return e.withRest(func(c *restClient) error { return c.deleteTemplates(e.ctx) })
}

// RecreateTemplate deletes and creates a declared template.
func (e *Elastic) RecreateTemplate(name string) error {
	return e.withRest(func(c *restClient) error {
		if err := c.deleteTemplate(e.ctx, name); err != nil {
			return err
		}
		return c.createTemplate(e.ctx, name)
	})
}

// RecreateTemplates deletes and creates every declared template.
func (e *Elastic) RecreateTemplates() error {
	return e.withRest(func(c *restClient) error {
		if err := c.deleteTemplates(e.ctx); err != nil {
			return err
		}
		return c.createTemplates(e.ctx)
	})
}

// Index indexes JSON documents into index with generated ids and refreshes.
func (e *Elastic) Index(index string, docs ...string) error {
	reqs := make([]IndexRequest, 0, len(docs))
	for _, doc := range docs {
		reqs = append(reqs, NewIndexRequest(index, doc))
	}
	return e.IndexRequests(reqs...)
}

// IndexWithIDs indexes JSON documents keyed by document id and refreshes.
func (e *Elastic) IndexWithIDs(index string, docs map[string]string) error {
	reqs := make([]IndexRequest, 0, len(docs))
	for id, doc := range docs {
		reqs = append(reqs, NewIndexRequest(index, doc).WithID(id))
	}
	return e.IndexRequests(reqs...)
}

// IndexRequests sends reqs in one bulk call and refreshes. A bulk call with
// rejected items fails with a *BulkError after the refresh.
func (e *Elastic) IndexRequests(reqs ...IndexRequest) error {
	return e.withRest(func(c *restClient) error { return c.bulkIndex(e.ctx, reqs) })
}

// RefreshIndices makes all indexed documents searchable.
func (e *Elastic) RefreshIndices() error {
	return e.withRest(func(c *restClient) error { return c.refresh(e.ctx) })
}

// FetchAllDocuments returns the source of every document in indices, or in
// all indices when none are given.
func (e *Elastic) FetchAllDocuments(indices ...string) ([]string, error) {
	return e.FetchAllDocumentsWithRouting("", indices...)
}

// FetchAllDocumentsWithRouting is FetchAllDocuments restricted to the shards of routing.
func (e *Elastic) FetchAllDocumentsWithRouting(routing string, indices ...string) ([]string, error) {
	var docs []string
	err := e.withRest(func(c *restClient) error {
		var err error
		docs, err = c.fetchAllDocuments(e.ctx, routing, indices...)
		return err
	})
	return docs, err
}

// LoadFixtures recreates every fixture index and indexes its documents, so
// each call starts from the same state.
func (e *Elastic) LoadFixtures() error {
	return e.withRest(func(c *restClient) error {
		for _, f := range e.fixtures {
			if err := c.deleteIndex(e.ctx, f.name); err != nil {
				return err
			}
			if err := c.createIndex(e.ctx, f.name); err != nil {
				return err
			}

			reqs := make([]IndexRequest, 0, len(f.documents))
			for _, doc := range f.documents {
				req, err := doc.indexRequest(f.name)
				if err != nil {
					return fmt.Errorf("testserver: index %q: %w", f.name, err)
				}
				reqs = append(reqs, req)
			}
			if err := c.bulkIndex(e.ctx, reqs); err != nil {
				return err
			}
		}
		return nil
	})
}
