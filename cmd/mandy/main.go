// Command mandy renders, serves and explores the Mandelbrot set.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/azargarov/mandy/config"
	"github.com/azargarov/mandy/engine"
	"github.com/azargarov/mandy/location"
)

const usage = `Usage: mandy [-config file] [-v] <command> [flags]

Commands:
  render   render a view to a PNG file
  serve    serve tiles over HTTP
  view     explore in the terminal
  loc      list, add or remove saved locations

Run 'mandy <command> -h' for the flags of a command.

Global flags:
`

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "mandy: %v\n", err)
		os.Exit(1)
	}
}

// env is what every command gets.
type env struct {
	cfg        config.Config
	configPath string
	locPath    string
	log        *zap.Logger
	stdout     io.Writer
	stderr     io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("mandy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultPath("config.yaml"), "configuration file")
	locPath := fs.String("locations", defaultPath("locations.json"), "saved locations file")
	verbose := fs.Bool("v", false, "log at debug level")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log, *verbose, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	e := &env{
		cfg:        cfg,
		configPath: *configPath,
		locPath:    *locPath,
		log:        log,
		stdout:     stdout,
		stderr:     stderr,
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "render":
		return e.render(ctx, rest)
	case "serve":
		return e.serve(ctx, rest)
	case "view":
		return e.view(ctx, rest)
	case "loc":
		return e.loc(rest)
	default:
		fmt.Fprintf(stderr, "mandy: unknown command %q\n\n", cmd)
		fs.Usage()
		return errUsage
	}
}

// defaultPath places name in the user configuration directory.
func defaultPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, "mandy", name)
}

// newEngine builds the configured engine. The returned function releases
// it.
func newEngine(cfg config.Config, log *zap.Logger) (engine.Engine, func(), error) {
	switch cfg.Engine.Kind {
	case config.EngineHTTP:
		h, err := engine.NewHTTP(cfg.Engine.URL, engine.HTTPOptions{Logger: log})
		if err != nil {
			return nil, nil, err
		}
		return h, func() {}, nil
	default:
		opts := cfg.LocalOptions()
		opts.Logger = log
		l := engine.NewLocal(opts)
		return l, l.Close, nil
	}
}

func (e *env) openLocations() (*location.Store, error) {
	return location.Open(e.locPath)
}
