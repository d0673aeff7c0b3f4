package testserver

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/elastic/go-elasticsearch/v8"
	"go.opentelemetry.io/otel/trace"
)

// endpoint describes how to reach a started server.
type endpoint struct {
	url            *url.URL
	username       string
	password       string
	roundTripper   http.RoundTripper
	tracerProvider trace.TracerProvider
}

func newEndpoint(port int) *endpoint {
	return &endpoint{
		url: &url.URL{Scheme: "http", Host: net.JoinHostPort("localhost", strconv.Itoa(port))},
	}
}

func (e *endpoint) instrumentation() elastictransport.Instrumentation {
	if e.tracerProvider == nil {
		return nil
	}
	return elasticsearch.NewOpenTelemetryInstrumentation(e.tracerProvider, false)
}

// transport builds the low-level transport used by the control-plane client.
// It skips the product check of the typed client so pre-7.14 servers work.
func (e *endpoint) transport() (*elastictransport.Client, error) {
	tp, err := elastictransport.New(elastictransport.Config{
		URLs:            []*url.URL{e.url},
		Username:        e.username,
		Password:        e.password,
		Transport:       e.roundTripper,
		Instrumentation: e.instrumentation(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating transport for %s: %w", e.url, err)
	}
	return tp, nil
}

// client builds a typed client for callers.
func (e *endpoint) client() (*elasticsearch.Client, error) {
	c, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:       []string{e.url.String()},
		Username:        e.username,
		Password:        e.password,
		Transport:       e.roundTripper,
		Instrumentation: e.instrumentation(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", e.url, err)
	}
	return c, nil
}
