// Package pac downloads, sandboxes, and evaluates Proxy
// Auto-Configuration scripts.
package pac

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultCacheTTL is how long a per-URL evaluation result stays
	// valid.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultFetchTimeout bounds the PAC script download.
	DefaultFetchTimeout = 10 * time.Second
)

// Options tune an Evaluator. The zero value selects the defaults.
type Options struct {
	Resolver     Resolver
	ExecTimeout  time.Duration
	CacheTTL     time.Duration
	FetchTimeout time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ExecTimeout <= 0 {
		out.ExecTimeout = DefaultExecTimeout
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = DefaultCacheTTL
	}
	if out.FetchTimeout <= 0 {
		out.FetchTimeout = DefaultFetchTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

type cacheEntry struct {
	result Result
	at     time.Time
}

// Evaluator holds one compiled PAC script and a per-target-URL result
// cache. It is safe for concurrent use.
type Evaluator struct {
	sandbox *Sandbox
	source  string
	ttl     time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// FromScript compiles an inline PAC script.
func FromScript(script string, opts Options) (*Evaluator, error) {
	o := opts.withDefaults()
	sandbox, err := NewSandbox(script, o.Resolver, o.ExecTimeout, o.Logger)
	if err != nil {
		return nil, err
	}
	return newEvaluator(sandbox, "inline", o), nil
}

// FromURL downloads a PAC script and compiles it. A failed download
// is a hard error; on success the script content is fixed for the
// evaluator's lifetime.
func FromURL(ctx context.Context, pacURL string, opts Options) (*Evaluator, error) {
	o := opts.withDefaults()

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.FetchTimeout}
	}
	ctx, cancel := context.WithTimeout(ctx, o.FetchTimeout)
	defer cancel()

	script, err := Fetch(ctx, client, pacURL)
	if err != nil {
		return nil, err
	}
	sandbox, err := NewSandbox(script, o.Resolver, o.ExecTimeout, o.Logger)
	if err != nil {
		return nil, err
	}
	return newEvaluator(sandbox, pacURL, o), nil
}

func newEvaluator(sandbox *Sandbox, source string, o Options) *Evaluator {
	e := &Evaluator{
		sandbox: sandbox,
		source:  source,
		ttl:     o.CacheTTL,
		logger:  o.Logger,
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	e.wg.Add(1)
	go e.janitor()
	return e
}

// Source identifies where the script came from: the PAC URL, or
// "inline" for a script supplied directly.
func (e *Evaluator) Source() string { return e.source }

// FindProxyForURL evaluates the script for targetURL, serving repeat
// lookups from the cache until the entry ages out.
func (e *Evaluator) FindProxyForURL(targetURL, host string) (Result, error) {
	e.mu.Lock()
	if entry, ok := e.cache[targetURL]; ok && e.now().Sub(entry.at) < e.ttl {
		e.mu.Unlock()
		return entry.result, nil
	}
	e.mu.Unlock()

	raw, err := e.sandbox.Evaluate(targetURL, host)
	if err != nil {
		return Result{}, err
	}
	result, err := ParseResult(raw)
	if err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	e.cache[targetURL] = cacheEntry{result: result, at: e.now()}
	e.mu.Unlock()

	return result, nil
}

// CacheSize returns the number of live cache entries.
func (e *Evaluator) CacheSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// Close stops the cache janitor. The evaluator must not be used
// afterwards.
func (e *Evaluator) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// janitor drops expired cache entries so rarely repeated URLs do not
// accumulate forever.
func (e *Evaluator) janitor() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			now := e.now()
			for key, entry := range e.cache {
				if now.Sub(entry.at) >= e.ttl {
					delete(e.cache, key)
				}
			}
			e.mu.Unlock()
		case <-e.stop:
			return
		}
	}
}
