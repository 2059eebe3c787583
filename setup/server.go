package setup

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultStartupTimeout bounds how long a launched server may take to
	// report healthy before startup fails.
	DefaultStartupTimeout = 60 * time.Second

	healthProbeTimeout = 2 * time.Second

	DefaultWorkerCount = 2
)

// MakeProbeClient builds the retrying HTTP client used for health probes and
// warmup traffic. Never use it for measured load requests: a retried request
// would fold several attempts into one latency sample.
func MakeProbeClient() *pester.Client {
	client := pester.NewExtendedClient(&http.Client{Timeout: healthProbeTimeout})
	client.Backoff = pester.ExponentialBackoff
	// One attempt per probe: the readiness loop retries at its own cadence,
	// so a probe that fails should report that promptly.
	client.MaxRetries = 1
	client.LogHook = func(e pester.ErrEntry) {
		log.Debugf("probe attempt failed: %+v", e)
	}
	return client
}

// Health probes a server's readiness endpoint.
type Health struct {
	client *pester.Client
	url    string
}

func NewHealth(baseURL string) *Health {
	return &Health{
		client: MakeProbeClient(),
		url:    strings.TrimSuffix(baseURL, "/") + "/health",
	}
}

// IsReady reports whether the server will accept load: HTTP 200 from the
// health endpoint. Any other status or a transport fault means not ready.
func (h *Health) IsReady() bool {
	resp, err := h.client.Get(h.url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// WaitForHealthy polls baseURL's health endpoint until it reports ready,
// backing off between probes, and fails after timeout.
func WaitForHealthy(baseURL string, timeout time.Duration) error {
	h := NewHealth(baseURL)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout
	log.Infof("waiting up to %v for %s", timeout, h.url)
	return backoff.Retry(func() error {
		if h.IsReady() {
			return nil
		}
		return fmt.Errorf("%s not ready", h.url)
	}, b)
}

// ServerStrategy starts the system under test and returns its base URL.
// Teardown of launched processes belongs to the Cmds that started them.
type ServerStrategy interface {
	Startup() (string, error)
}

// ServerConfig parameterizes worker and router launches. Unset fields get
// defaults.
type ServerConfig struct {
	Model string
	Port  int
	// Workers is the data-parallel worker count behind the router.
	Workers int
	// PythonBin is the interpreter used to launch server modules.
	PythonBin      string
	StartupTimeout time.Duration
}

func (c *ServerConfig) withDefaults() ServerConfig {
	out := *c
	if out.Port == 0 {
		out.Port = 31000
	}
	if out.Workers <= 0 {
		out.Workers = DefaultWorkerCount
	}
	if out.PythonBin == "" {
		out.PythonBin = "python3"
	}
	if out.StartupTimeout == 0 {
		out.StartupTimeout = DefaultStartupTimeout
	}
	return out
}

func workerArgs(model string, port int) []string {
	return []string{
		"-m", "sglang.launch_server",
		"--model-path", model,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(port),
		"--max-total-tokens", "10000",
		"--mem-fraction-static", "0.9",
		"--disable-radix-cache",
		"--max-running-requests", "1024",
	}
}

// WorkerStrategy launches a single inference worker with no router in front.
type WorkerStrategy struct {
	cfg  ServerConfig
	cmds *Cmds
}

func NewWorkerStrategy(cfg *ServerConfig, cmds *Cmds) *WorkerStrategy {
	return &WorkerStrategy{cfg: cfg.withDefaults(), cmds: cmds}
}

func (s *WorkerStrategy) Startup() (string, error) {
	log.Infof("starting a single worker on port %d", s.cfg.Port)
	if _, err := s.cmds.Start(s.cfg.PythonBin, workerArgs(s.cfg.Model, s.cfg.Port)...); err != nil {
		return "", errors.Wrap(err, "launching worker")
	}
	base := fmt.Sprintf("http://127.0.0.1:%d", s.cfg.Port)
	if err := WaitForHealthy(base, s.cfg.StartupTimeout); err != nil {
		return "", errors.Wrap(err, "worker failed to start")
	}
	log.Infof("worker ready on port %d", s.cfg.Port)
	return base, nil
}

// RouterStrategy launches cfg.Workers workers on the ports above cfg.Port
// and a router on cfg.Port dispatching across them.
type RouterStrategy struct {
	cfg  ServerConfig
	cmds *Cmds
}

func NewRouterStrategy(cfg *ServerConfig, cmds *Cmds) *RouterStrategy {
	return &RouterStrategy{cfg: cfg.withDefaults(), cmds: cmds}
}

func (s *RouterStrategy) Startup() (string, error) {
	log.Infof("starting %d workers behind a router on port %d", s.cfg.Workers, s.cfg.Port)

	workerURLs := make([]string, 0, s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		port := s.cfg.Port + 1 + i
		if _, err := s.cmds.Start(s.cfg.PythonBin, workerArgs(s.cfg.Model, port)...); err != nil {
			return "", errors.Wrapf(err, "launching worker %d", i)
		}
		workerURLs = append(workerURLs, fmt.Sprintf("http://127.0.0.1:%d", port))
	}
	// Workers load the model concurrently; gate on each before the router.
	for _, u := range workerURLs {
		if err := WaitForHealthy(u, s.cfg.StartupTimeout); err != nil {
			return "", errors.Wrapf(err, "worker %s failed to start", u)
		}
	}

	args := []string{
		"-m", "sglang_router.launch_router",
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(s.cfg.Port),
		"--worker-urls",
	}
	args = append(args, workerURLs...)
	if _, err := s.cmds.Start(s.cfg.PythonBin, args...); err != nil {
		return "", errors.Wrap(err, "launching router")
	}

	base := fmt.Sprintf("http://127.0.0.1:%d", s.cfg.Port)
	if err := WaitForHealthy(base, s.cfg.StartupTimeout); err != nil {
		return "", errors.Wrap(err, "router failed to start")
	}
	log.Infof("router ready on port %d", s.cfg.Port)
	return base, nil
}

// ExternalStrategy targets an endpoint somebody else is running; nothing is
// launched and nothing will be torn down.
type ExternalStrategy struct {
	URL string
}

func (s *ExternalStrategy) Startup() (string, error) {
	base := strings.TrimSuffix(s.URL, "/")
	if !NewHealth(base).IsReady() {
		return "", fmt.Errorf("external server %s is not healthy", base)
	}
	return base, nil
}
