package testserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option configures an Elastic instance.
type Option func(*Elastic) error

// WithInstallationDirectory sets the directory of an unpacked Elasticsearch
// distribution. The server is started from its bin directory.
func WithInstallationDirectory(dir string) Option {
	return func(e *Elastic) error {
		if dir == "" {
			return errors.New("installation directory must not be empty")
		}
		e.cfg.installationDirectory = dir
		return nil
	}
}

// WithExecutable overrides the server start script.
func WithExecutable(path string) Option {
	return func(e *Elastic) error {
		e.cfg.executable = path
		return nil
	}
}

// WithPasswordSetupExecutable overrides the elasticsearch-setup-passwords tool.
func WithPasswordSetupExecutable(path string) Option {
	return func(e *Elastic) error {
		e.cfg.setupPasswordsExecutable = path
		return nil
	}
}

// WithEsJavaOpts sets ES_JAVA_OPTS for the server, e.g. "-Xms128m -Xmx512m".
func WithEsJavaOpts(opts string) Option {
	return func(e *Elastic) error {
		e.cfg.esJavaOpts = opts
		return nil
	}
}

// WithEnv adds KEY=VALUE pairs to the server environment.
func WithEnv(env ...string) Option {
	return func(e *Elastic) error {
		for _, kv := range env {
			if !strings.Contains(kv, "=") {
				return fmt.Errorf("environment entry %q is not KEY=VALUE", kv)
			}
		}
		e.cfg.env = append(e.cfg.env, env...)
		return nil
	}
}

// WithJavaHome selects the Java runtime of the server.
func WithJavaHome(home JavaHome) Option {
	return func(e *Elastic) error {
		e.cfg.javaHome = home
		return nil
	}
}

// WithStartTimeout bounds how long Start waits for the server to report it started.
// If not set, DefaultStartTimeout is used.
func WithStartTimeout(d time.Duration) Option {
	return func(e *Elastic) error {
		if d <= 0 {
			return fmt.Errorf("start timeout must be positive, got %s", d)
		}
		e.cfg.startTimeout = d
		return nil
	}
}

// WithHealthTimeout bounds the server-side wait for yellow cluster status.
// If not set, DefaultHealthTimeout is used.
func WithHealthTimeout(d time.Duration) Option {
	return func(e *Elastic) error {
		if d <= 0 {
			return fmt.Errorf("health timeout must be positive, got %s", d)
		}
		e.healthTimeout = d
		return nil
	}
}

// WithCleanInstallationDirectoryOnStop removes the installation directory once the server stopped.
func WithCleanInstallationDirectoryOnStop(clean bool) Option {
	return func(e *Elastic) error {
		e.cfg.cleanInstallationDirectoryOnStop = clean
		return nil
	}
}

// WithIndex declares an index created on Start. spec may be nil.
func WithIndex(name string, spec *IndexSpec) Option {
	return func(e *Elastic) error {
		if name == "" {
			return errors.New("index name must not be empty")
		}
		if spec != nil {
			if err := spec.validate(); err != nil {
				return fmt.Errorf("index %q: %w", name, err)
			}
		}
		e.indices.add(name, spec)
		return nil
	}
}

// WithTemplate declares an index template created on Start.
func WithTemplate(name, body string) Option {
	return func(e *Elastic) error {
		if name == "" {
			return errors.New("template name must not be empty")
		}
		if !json.Valid([]byte(body)) {
			return fmt.Errorf("template %q: invalid JSON", name)
		}
		e.templates.add(name, body)
		return nil
	}
}

// WithTemplateFile declares an index template read from a JSON file.
func WithTemplateFile(name, path string) Option {
	return func(e *Elastic) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading template %q: %w", name, err)
		}
		return WithTemplate(name, string(data))(e)
	}
}

// WithFixtures declares one index per subdirectory of dir. See LoadFixtures.
func WithFixtures(dir string) Option {
	return func(e *Elastic) error {
		e.fixturesDir = dir
		return nil
	}
}

// WithSetting sets an entry of config/elasticsearch.yml, e.g. SettingHTTPPort.
func WithSetting(name string, value any) Option {
	return func(e *Elastic) error {
		if name == "" {
			return errors.New("setting name must not be empty")
		}
		e.settings[name] = value
		return nil
	}
}

// WithSecurity enables X-Pack security. Requests then authenticate as the
// elastic user with its bootstrapped password.
func WithSecurity() Option {
	return func(e *Elastic) error {
		e.security = true
		e.settings[SettingSecurityEnabled] = true
		return nil
	}
}

// WithContext sets the context for the server's startup and REST calls.
// If not set, context.Background() is used.
func WithContext(ctx context.Context) Option {
	return func(e *Elastic) error {
		e.ctx = ctx
		return nil
	}
}

// WithLogger sets the logger. Server output is logged under the name "elasticsearch".
func WithLogger(log logr.Logger) Option {
	return func(e *Elastic) error {
		e.log = log
		return nil
	}
}

// WithMeterProvider sets the provider of the instance's metrics.
// If not set, the global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Elastic) error {
		e.meterProvider = mp
		return nil
	}
}

// WithTracerProvider traces every REST call through the Elasticsearch client instrumentation.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Elastic) error {
		e.tracerProvider = tp
		return nil
	}
}

// WithHTTPTransport sets the round tripper of the REST transport.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(e *Elastic) error {
		e.roundTripper = rt
		return nil
	}
}

// WithExitHooks registers the instance's exit cleanup with hooks instead of DefaultExitHooks.
func WithExitHooks(hooks *ExitHooks) Option {
	return func(e *Elastic) error {
		if hooks == nil {
			return errors.New("exit hooks must not be nil")
		}
		e.hooks = hooks
		return nil
	}
}
