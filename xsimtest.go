package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/firmsim/xsimtest/internal/libdocker"
	"github.com/firmsim/xsimtest/internal/libexec"
	"github.com/firmsim/xsimtest/internal/libsim"
	"gopkg.in/inconshreveable/log15.v2"
)

// Exit codes.
const (
	exitPass  = 0
	exitFail  = 1
	exitSetup = 2
)

var runPath = time.Now().Format("20060102150405")

type options struct {
	suite          string
	level          libsim.TestLevel
	levelSet       bool
	resources      string
	sim            string
	argsFlag       string
	instances      int
	backend        string
	dockerEndpoint string
	dockerImage    string
	dockerPull     bool
	dockerCleanup  bool
	timeout        time.Duration
	acquireTimeout time.Duration
	parallelism    int
	resultsRoot    string
	serve          string
	loglevel       int
}

func main() {
	var opt options
	flag.StringVar(&opt.suite, "suite", "", "Suite descriptor file (YAML or JSON)")
	flag.Var(&opt.level, "level", "Test level threshold: smoke, nightly, full or exhaustive (default: from suite, else smoke)")
	flag.StringVar(&opt.resources, "resources", "", "Resource inventory file. Without it, -sim and -instances define local resources")
	flag.StringVar(&opt.sim, "sim", libsim.DefaultResourceKind, "Simulator command line for local resources")
	flag.StringVar(&opt.argsFlag, "argsflag", libsim.DefaultArgsFlag, "Simulator flag that introduces program arguments")
	flag.IntVar(&opt.instances, "instances", 1, "Number of local simulator resources")
	flag.StringVar(&opt.backend, "backend", "local", "Simulator backend: local or docker")
	flag.StringVar(&opt.dockerEndpoint, "docker.endpoint", "", "Endpoint of the docker daemon (default: from environment)")
	flag.StringVar(&opt.dockerImage, "docker.image", "", "Simulator image for resources that don't set one")
	flag.BoolVar(&opt.dockerPull, "docker.pull", false, "Pull simulator images even when they exist locally")
	flag.BoolVar(&opt.dockerCleanup, "docker.cleanup", false, "Remove simulator containers of earlier runs before starting")
	flag.DurationVar(&opt.timeout, "timeout", 0, "Default run time limit per test case (default: from suite, else unlimited)")
	flag.DurationVar(&opt.acquireTimeout, "acquire-timeout", 0, "Limit for waiting on a free simulator resource (0 = no limit)")
	flag.IntVar(&opt.parallelism, "parallelism", 1, "Number of test cases that run at the same time")
	flag.StringVar(&opt.resultsRoot, "results-root", "workspace/results", "Target folder for reports and the run listing (empty disables)")
	flag.StringVar(&opt.serve, "serve", "", "Serve the results API on this address while running, and after the run until interrupted")
	flag.IntVar(&opt.loglevel, "loglevel", 3, "Log level to use for displaying system events")
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "level" {
			opt.levelSet = true
		}
	})

	log15.Root().SetHandler(log15.LvlFilterHandler(log15.Lvl(opt.loglevel), log15.StreamHandler(os.Stderr, log15.TerminalFormat())))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, &opt))
}

func run(ctx context.Context, opt *options) int {
	if opt.suite == "" {
		log15.Crit("no suite given, use -suite")
		return exitSetup
	}
	suite, err := libsim.LoadSuite(opt.suite)
	if err != nil {
		log15.Crit("failed to load suite", "err", err)
		return exitSetup
	}
	threshold := libsim.LevelSmoke
	switch {
	case opt.levelSet:
		threshold = opt.level
	case suite.Threshold != nil:
		threshold = *suite.Threshold
	}
	timeout := suite.Timeout
	if opt.timeout != 0 {
		timeout = opt.timeout
	}

	resources, err := loadResources(opt)
	if err != nil {
		log15.Crit("failed to set up resources", "err", err)
		return exitSetup
	}
	pool, err := libsim.NewPool(resources, libsim.PoolConfig{AcquireTimeout: opt.acquireTimeout})
	if err != nil {
		log15.Crit("invalid resources", "err", err)
		return exitSetup
	}
	backend, err := newBackend(ctx, opt)
	if err != nil {
		log15.Crit("failed to set up simulator backend", "err", err)
		return exitSetup
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log15.Error("failed to clean up simulator backend", "err", err)
		}
	}()

	var resultsDir fs.FS
	if opt.resultsRoot != "" {
		if err := os.MkdirAll(opt.resultsRoot, 0755); err != nil {
			log15.Crit("can't create results directory", "err", err)
			return exitSetup
		}
		resultsDir = os.DirFS(opt.resultsRoot)
	}
	results := new(libsim.Results)
	if opt.serve != "" {
		srv, err := startServer(opt.serve, libsim.NewAPI(pool, results, resultsDir))
		if err != nil {
			log15.Crit("failed to start API server", "err", err)
			return exitSetup
		}
		defer srv.Close()
	}

	orch := libsim.NewOrchestrator(libsim.Config{
		Pool:        pool,
		Runner:      libsim.NewRunner(backend, nil),
		Timeout:     timeout,
		Parallelism: opt.parallelism,
	})
	report, err := orch.RunSuite(ctx, suite.Cases, threshold)
	if err != nil {
		log15.Crit("can't run suite", "err", err)
		return exitSetup
	}
	results.Set(report)

	if opt.resultsRoot != "" {
		file, err := report.WriteResults(opt.resultsRoot, runPath)
		if err != nil {
			log15.Error("failed to write results", "err", err)
		} else {
			log15.Info("results written", "file", file)
		}
	}
	if err := report.WriteSummary(os.Stdout); err != nil {
		log15.Error("failed to write summary", "err", err)
	}

	if opt.serve != "" && ctx.Err() == nil {
		log15.Info("run finished, serving results until interrupted", "addr", opt.serve)
		<-ctx.Done()
	}
	if report.Failed() {
		return exitFail
	}
	return exitPass
}

// loadResources returns the resources from the inventory file, or the local
// resources defined by flags.
func loadResources(opt *options) ([]*libsim.Resource, error) {
	var resources []*libsim.Resource
	if opt.resources != "" {
		var err error
		if resources, err = libsim.LoadInventory(opt.resources); err != nil {
			return nil, err
		}
	} else {
		if opt.instances < 1 {
			return nil, fmt.Errorf("-instances must be at least 1")
		}
		command := strings.Fields(opt.sim)
		if len(command) == 0 {
			return nil, fmt.Errorf("-sim is empty")
		}
		resources = libsim.LocalResources(libsim.DefaultResourceKind, command, opt.argsFlag, opt.instances)
	}
	if opt.backend == "docker" {
		for _, r := range resources {
			if r.Image == "" {
				r.Image = opt.dockerImage
			}
			if r.Image == "" {
				return nil, fmt.Errorf("resource %s has no image, use -docker.image", r.Name)
			}
		}
	}
	return resources, nil
}

func newBackend(ctx context.Context, opt *options) (libsim.Backend, error) {
	switch opt.backend {
	case "local":
		return libexec.NewBackend(libexec.Config{}), nil
	case "docker":
		b, err := libdocker.Connect(opt.dockerEndpoint, &libdocker.Config{
			InstanceID:  runPath,
			PullEnabled: opt.dockerPull,
		})
		if err != nil {
			return nil, err
		}
		if opt.dockerCleanup {
			n, err := b.Cleanup(ctx, libdocker.CleanupOptions{})
			if err != nil {
				return nil, err
			}
			log15.Info("cleaned up simulator containers", "count", n)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", opt.backend)
	}
}

func startServer(addr string, h http.Handler) (*http.Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log15.Error("API server failed", "err", err)
		}
	}()
	log15.Info("serving results API", "addr", l.Addr())
	return srv, nil
}
