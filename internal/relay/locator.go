package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"voicememo-go/internal/logger"
)

// ErrNoRelay means no candidate relay answered its health probe.
var ErrNoRelay = errors.New("no relay available")

type Scope string

const (
	ScopeAny  Scope = "any"
	ScopeDev  Scope = "dev"
	ScopeProd Scope = "prod"
)

type Candidate struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
	Scope    Scope  `json:"scope"`
}

// ProbeResult is the outcome of the latest health probe of one candidate.
type ProbeResult struct {
	Available bool          `json:"available"`
	LastTest  time.Time     `json:"last_test"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// Resolver yields the base URL of a reachable relay.
type Resolver interface {
	Base(ctx context.Context) (string, error)
}

// Locator picks a healthy relay for the current environment and caches it.
// The cached choice is re-probed on every call and dropped when it fails.
type Locator struct {
	candidates   []Candidate
	dev          bool
	client       *http.Client
	probeTimeout time.Duration
	log          *logger.Logger

	mu      sync.Mutex
	current *Candidate
	results map[string]ProbeResult

	group singleflight.Group
}

type LocatorOption func(*Locator)

func WithHTTPClient(c *http.Client) LocatorOption {
	return func(l *Locator) { l.client = c }
}

func WithProbeTimeout(d time.Duration) LocatorOption {
	return func(l *Locator) { l.probeTimeout = d }
}

func WithLogger(log *logger.Logger) LocatorOption {
	return func(l *Locator) { l.log = log.Component("relay-locator") }
}

// NewLocator builds a locator for a page served from hostname.
func NewLocator(candidates []Candidate, hostname string, opts ...LocatorOption) *Locator {
	l := &Locator{
		candidates:   candidates,
		dev:          IsDevHost(hostname),
		client:       http.DefaultClient,
		probeTimeout: 5 * time.Second,
		log:          logger.Discard(),
		results:      map[string]ProbeResult{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// IsDevHost reports whether hostname is a local development origin.
func IsDevHost(hostname string) bool {
	h := strings.ToLower(strings.TrimSpace(hostname))
	return h == "localhost" || h == "127.0.0.1"
}

// Eligible returns the candidates allowed in the detected environment.
func (l *Locator) Eligible() []Candidate {
	var out []Candidate
	for _, c := range l.candidates {
		if c.Scope == ScopeDev && !l.dev {
			continue
		}
		if c.Scope == ScopeProd && l.dev {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (l *Locator) Base(ctx context.Context) (string, error) {
	l.mu.Lock()
	cur := l.current
	l.mu.Unlock()

	if cur != nil {
		if l.probe(ctx, *cur) {
			return cur.URL, nil
		}
		l.log.WithField("relay", cur.URL).Warn("cached relay failed health check, rediscovering")
		l.mu.Lock()
		if l.current == cur {
			l.current = nil
		}
		l.mu.Unlock()
	}

	// discovery is shared by every waiting caller, so it must not inherit
	// the cancellation of whichever caller started it; each probe is bounded
	// by probeTimeout.
	ch := l.group.DoChan("discover", func() (any, error) {
		return l.discover(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (l *Locator) discover(ctx context.Context) (string, error) {
	eligible := l.Eligible()
	healthy := make([]bool, len(eligible))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range eligible {
		g.Go(func() error {
			healthy[i] = l.probe(gctx, c)
			return nil
		})
	}
	g.Wait()

	var up []Candidate
	for i, ok := range healthy {
		if ok {
			up = append(up, eligible[i])
		}
	}
	if len(up) == 0 {
		l.log.WithField("candidates", len(eligible)).Error("no relay reachable")
		return "", ErrNoRelay
	}
	sort.SliceStable(up, func(i, j int) bool { return up[i].Priority < up[j].Priority })

	chosen := up[0]
	l.mu.Lock()
	l.current = &chosen
	l.mu.Unlock()
	l.log.WithField("relay", chosen.URL).WithField("name", chosen.Name).Info("using relay")
	return chosen.URL, nil
}

func (l *Locator) probe(ctx context.Context, c Candidate) bool {
	ctx, cancel := context.WithTimeout(ctx, l.probeTimeout)
	defer cancel()

	start := time.Now()
	res := ProbeResult{LastTest: start}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.URL, "/")+"/healthz", nil)
	if err == nil {
		var resp *http.Response
		resp, err = l.client.Do(req)
		if err == nil {
			resp.Body.Close()
			res.Available = resp.StatusCode >= 200 && resp.StatusCode < 300
			if !res.Available {
				err = fmt.Errorf("healthz status %d", resp.StatusCode)
			}
		}
	}
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		l.log.WithField("relay", c.URL).WithField("error", err.Error()).Debug("relay probe failed")
	}

	l.mu.Lock()
	l.results[c.URL] = res
	l.mu.Unlock()
	return res.Available
}

// Reset forgets the cached relay.
func (l *Locator) Reset() {
	l.mu.Lock()
	l.current = nil
	l.mu.Unlock()
}

// Status reports the cached relay and the latest probe results.
func (l *Locator) Status() (current string, results map[string]ProbeResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		current = l.current.URL
	}
	results = make(map[string]ProbeResult, len(l.results))
	for k, v := range l.results {
		results[k] = v
	}
	return current, results
}

// Static is a Resolver pinned to one relay.
type Static string

func (s Static) Base(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrNoRelay
	}
	return string(s), nil
}

// Through wraps target in the relay's ?url= form.
func Through(base, target string) string {
	return strings.TrimRight(base, "/") + "/?url=" + url.QueryEscape(target)
}

// Route returns the URL to call for target. A nil resolver means the caller
// talks to the target directly; a configured resolver that finds no relay
// is an error, never a silent direct call.
func Route(ctx context.Context, r Resolver, target string) (string, error) {
	if r == nil {
		return target, nil
	}
	base, err := r.Base(ctx)
	if err != nil {
		return "", fmt.Errorf("route %s: %w", target, err)
	}
	return Through(base, target), nil
}
