// Command estestserver starts an Elasticsearch test server from a local
// distribution and keeps it running until interrupted.
package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/stdr"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	testserver "github.com/kurakura967/go-elasticsearch-testserver"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "estestserver",
		Short:         "Run Elasticsearch test servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCommand())
	return cmd
}

type runFlags struct {
	home          string
	executable    string
	javaOpts      string
	javaHome      string
	envFile       string
	fixtures      string
	settings      map[string]string
	templates     map[string]string
	startTimeout  time.Duration
	healthTimeout time.Duration
	security      bool
	clean         bool
	verbosity     int
}

func newRunCommand() *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a server, provision it and wait for SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.home, "home", os.Getenv("ES_HOME"), "Elasticsearch installation directory (default $ES_HOME)")
	fl.StringVar(&f.executable, "executable", "", "Server start script (default <home>/bin/elasticsearch)")
	fl.StringVar(&f.javaOpts, "java-opts", "", "ES_JAVA_OPTS for the server")
	fl.StringVar(&f.javaHome, "java-home", "", "Java installation to run the server with")
	fl.StringVar(&f.envFile, "env-file", "", "File of KEY=VALUE lines added to the server environment")
	fl.StringVar(&f.fixtures, "fixtures", "", "Fixtures directory loaded after start")
	fl.StringToStringVar(&f.settings, "setting", nil, "elasticsearch.yml setting as name=value (repeatable)")
	fl.StringToStringVar(&f.templates, "template", nil, "Index template as name=path/to/template.json (repeatable)")
	fl.DurationVar(&f.startTimeout, "start-timeout", testserver.DefaultStartTimeout, "How long to wait for the server to start")
	fl.DurationVar(&f.healthTimeout, "health-timeout", testserver.DefaultHealthTimeout, "How long to wait for yellow cluster status")
	fl.BoolVar(&f.security, "security", false, "Enable X-Pack security and print the elastic password")
	fl.BoolVar(&f.clean, "clean", false, "Remove the installation directory on exit")
	fl.IntVarP(&f.verbosity, "verbose", "v", 0, "Log verbosity")

	return cmd
}

// options translates the flags into server options.
func (f *runFlags) options() ([]testserver.Option, error) {
	if f.home == "" && f.executable == "" {
		return nil, fmt.Errorf("--home or --executable is required")
	}

	opts := []testserver.Option{
		testserver.WithCleanInstallationDirectoryOnStop(f.clean),
	}
	// Zero keeps the library defaults.
	if f.startTimeout != 0 {
		opts = append(opts, testserver.WithStartTimeout(f.startTimeout))
	}
	if f.healthTimeout != 0 {
		opts = append(opts, testserver.WithHealthTimeout(f.healthTimeout))
	}
	if f.home != "" {
		opts = append(opts, testserver.WithInstallationDirectory(f.home))
	}
	if f.executable != "" {
		opts = append(opts, testserver.WithExecutable(f.executable))
	}
	if f.javaOpts != "" {
		opts = append(opts, testserver.WithEsJavaOpts(f.javaOpts))
	}
	if f.javaHome != "" {
		opts = append(opts, testserver.WithJavaHome(testserver.JavaHomePath(f.javaHome)))
	}
	if f.envFile != "" {
		env, err := godotenv.Read(f.envFile)
		if err != nil {
			return nil, fmt.Errorf("reading env file: %w", err)
		}
		kvs := make([]string, 0, len(env))
		for k, v := range env {
			kvs = append(kvs, k+"="+v)
		}
		opts = append(opts, testserver.WithEnv(kvs...))
	}
	if f.fixtures != "" {
		opts = append(opts, testserver.WithFixtures(f.fixtures))
	}
	for name, value := range f.settings {
		opts = append(opts, testserver.WithSetting(name, value))
	}
	for name, path := range f.templates {
		opts = append(opts, testserver.WithTemplateFile(name, path))
	}
	if f.security {
		opts = append(opts, testserver.WithSecurity())
	}
	return opts, nil
}

func run(ctx context.Context, cmd *cobra.Command, f *runFlags) error {
	opts, err := f.options()
	if err != nil {
		return err
	}

	stdr.SetVerbosity(f.verbosity)
	logger := stdr.New(stdlog.New(cmd.ErrOrStderr(), "", stdlog.LstdFlags))

	hooks := &testserver.ExitHooks{}
	defer hooks.Run()

	opts = append(opts,
		testserver.WithContext(ctx),
		testserver.WithLogger(logger),
		testserver.WithExitHooks(hooks),
	)
	es, err := testserver.New(opts...)
	if err != nil {
		return err
	}
	if err := es.Start(); err != nil {
		return err
	}
	defer func() {
		if err := es.Stop(); err != nil {
			logger.Error(err, "Stopping elasticsearch")
		}
	}()

	if f.fixtures != "" {
		if err := es.LoadFixtures(); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pid=%d\n", es.PID())
	fmt.Fprintf(out, "http_port=%d\n", es.HTTPPort())
	fmt.Fprintf(out, "transport_port=%d\n", es.TransportTCPPort())
	if f.security {
		password, err := es.Password("elastic")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "elastic_password=%s\n", password)
	}

	<-ctx.Done()
	return nil
}
