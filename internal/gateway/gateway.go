// Package gateway is the HTTP face of the data portal: the convert and
// share endpoints that turn source paths into streamable chunk stores,
// and the store endpoints that serve metadata and chunk payloads by
// polling the cache that workers fill.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	"github.com/freva-org/freva-data-portal/internal/auth"
	"github.com/freva-org/freva-data-portal/internal/broker"
	"github.com/freva-org/freva-data-portal/internal/cache"
	"github.com/freva-org/freva-data-portal/internal/links"
	"github.com/freva-org/freva-data-portal/internal/presign"
	"github.com/freva-org/freva-data-portal/internal/stats"
	"github.com/freva-org/freva-data-portal/internal/token"
)

// ServiceName is the entry the service list must carry for the portal
// endpoints to be live.
const ServiceName = "zarr-stream"

type (
	// Config tunes the gateway. Zero values fall back to the defaults
	// the portal has always used.
	Config struct {
		// MinTTL/MaxTTL bound the ttl_seconds a convert request may ask for.
		MinTTL int
		MaxTTL int
		// DefaultTTL applies when a request does not set ttl_seconds.
		DefaultTTL int
		// MaxTimeout caps the timeout query parameter.
		MaxTimeout time.Duration
		// DefaultTimeout applies to metadata polling without a timeout param.
		DefaultTimeout time.Duration
		// ChunkTimeout applies to chunk polling without a timeout param.
		ChunkTimeout time.Duration
		// PollInterval is the cache polling cadence.
		PollInterval time.Duration
		// ShareTTL is the lifetime of pre-signed share links.
		ShareTTL time.Duration
		// Services lists the enabled services; the portal endpoints
		// answer 503 unless it contains ServiceName.
		Services []string
		// ConvertRate/ConvertBurst rate-limit the convert endpoint.
		// Zero means unlimited.
		ConvertRate  float64
		ConvertBurst int
	}

	// Gateway serves the portal endpoints.
	Gateway struct {
		cache    *cache.Cache
		broker   *broker.Broker
		signer   *presign.Signer
		verifier auth.Verifier
		public   links.Registry
		sink     stats.Sink
		metrics  *stats.Metrics
		limiter  *rate.Limiter
		cfg      Config

		// mux is captured at Mount time; handlers read path variables
		// through it.
		mux goahttp.Muxer
	}
)

func (c Config) withDefaults() Config {
	if c.MinTTL <= 0 {
		c.MinTTL = 60
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = 86400
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 3600
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 1500 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = time.Second
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ShareTTL <= 0 {
		c.ShareTTL = 24 * time.Hour
	}
	if len(c.Services) == 0 {
		c.Services = []string{ServiceName}
	}
	return c
}

// New assembles a gateway.
func New(
	c *cache.Cache,
	b *broker.Broker,
	signer *presign.Signer,
	verifier auth.Verifier,
	public links.Registry,
	sink stats.Sink,
	metrics *stats.Metrics,
	cfg Config,
) *Gateway {
	cfg = cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.ConvertRate > 0 {
		burst := cfg.ConvertBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.ConvertRate), burst)
	}
	if sink == nil {
		sink = stats.NopSink{}
	}
	if verifier == nil {
		verifier = auth.NopVerifier{}
	}
	if public == nil {
		public = links.NewMemory()
	}
	return &Gateway{
		cache:    c,
		broker:   b,
		signer:   signer,
		verifier: verifier,
		public:   public,
		sink:     sink,
		metrics:  metrics,
		limiter:  limiter,
		cfg:      cfg,
	}
}

// Mount registers every portal route on the muxer.
func (g *Gateway) Mount(mux goahttp.Muxer) {
	g.mux = mux
	mux.Handle("POST", "/convert", g.wrap("convert", g.handleConvert))
	mux.Handle("POST", "/share-zarr", g.wrap("share-zarr", g.handleShareZarr))

	mount := func(prefix string, authed bool) {
		mux.Handle("GET", prefix+"/zarr/{store}/status", g.store(authed, g.handleStatus))
		mux.Handle("GET", prefix+"/zarr/{store}/.zmetadata", g.store(authed, g.handleZmetadata))
		mux.Handle("GET", prefix+"/zarr/{store}/.zgroup", g.store(authed, g.handleTopLevel(".zgroup")))
		mux.Handle("GET", prefix+"/zarr/{store}/.zattrs", g.store(authed, g.handleTopLevel(".zattrs")))
		mux.Handle("GET", prefix+"/zarr/{store}/{*rest}", g.store(authed, g.handleStorePath))
	}
	mount("", true)
	mount("/share/{sig}", false)
}

// storeHandler serves one resolved store request. The token has been
// authorised by the time it runs.
type storeHandler func(w http.ResponseWriter, r *http.Request, tok string)

// wrap applies the service gate, bearer auth and stats recording to a
// non-store endpoint.
func (g *Gateway) wrap(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.serviceEnabled() {
			g.fail(r.Context(), w, endpoint, r.Method, http.StatusServiceUnavailable, "service zarr-stream is not enabled")
			return
		}
		if _, err := g.verifier.Verify(r.Context(), r.Header.Get("Authorization")); err != nil {
			g.fail(r.Context(), w, endpoint, r.Method, http.StatusUnauthorized, "token not valid")
			return
		}
		h(w, r)
	}
}

// store resolves and authorises the {store} parameter, then runs h.
// Authenticated routes accept a bearer or a public token; share routes
// authorise with the sig embedded in the path.
func (g *Gateway) store(authed bool, h storeHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !g.serviceEnabled() {
			g.detail(ctx, w, r.URL.Path, http.StatusServiceUnavailable, "service zarr-stream is not enabled")
			return
		}
		vars := g.mux.Vars(r)
		storeName := vars["store"]
		if !strings.HasSuffix(storeName, ".zarr") {
			g.detail(ctx, w, r.URL.Path, http.StatusBadRequest, "invalid path")
			return
		}
		tok := strings.TrimSuffix(storeName, ".zarr")
		desc, err := token.Decode(tok)
		if err != nil {
			g.detail(ctx, w, r.URL.Path, http.StatusBadRequest, "invalid path")
			return
		}
		if authed {
			if !g.public.IsPublic(tok) {
				if _, err := g.verifier.Verify(ctx, r.Header.Get("Authorization")); err != nil {
					g.detail(ctx, w, r.URL.Path, http.StatusUnauthorized, "token not valid")
					return
				}
			}
		} else {
			if err := g.signer.Verify(tok, desc.Expires, vars["sig"]); err != nil {
				msg := "share link invalid"
				if errors.Is(err, presign.ErrShareExpired) {
					msg = "share link expired"
				}
				g.detail(ctx, w, r.URL.Path, http.StatusForbidden, msg)
				return
			}
			// Share tokens embed the expiry; the cache entry lives under
			// the plain token the conversion created.
			if desc.Expires != 0 {
				base := desc
				base.Expires = 0
				if tok, err = token.Encode(base); err != nil {
					g.detail(ctx, w, r.URL.Path, http.StatusBadRequest, "invalid path")
					return
				}
			}
		}
		h(w, r, tok)
	}
}

func (g *Gateway) serviceEnabled() bool {
	for _, s := range g.cfg.Services {
		if s == ServiceName {
			return true
		}
	}
	return false
}

// timeoutParam parses the timeout query parameter in seconds, clamped
// to [0, MaxTimeout].
func (g *Gateway) timeoutParam(r *http.Request, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return def, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	d := time.Duration(secs * float64(time.Second))
	if d > g.cfg.MaxTimeout {
		d = g.cfg.MaxTimeout
	}
	return d, nil
}

// pollEntry polls the cache for the token's envelope until it reaches a
// terminal state or the timeout passes. Returns the last seen envelope,
// nil when the entry never appeared.
func (g *Gateway) pollEntry(ctx context.Context, tok string, timeout time.Duration) (*cache.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		env, found, err := g.cache.Entry(ctx, tok)
		if err != nil {
			return nil, err
		}
		if found && (env.Status == cache.StatusOK || env.Status == cache.StatusFailed) {
			return env, nil
		}
		if time.Now().After(deadline) {
			return env, nil
		}
		select {
		case <-ctx.Done():
			return env, ctx.Err()
		case <-time.After(g.cfg.PollInterval):
		}
	}
}

// detail writes the error body shape every portal client knows:
// {"detail": "..."}.
func (g *Gateway) detail(ctx context.Context, w http.ResponseWriter, endpoint string, status int, msg string) {
	g.record(ctx, endpoint, "GET", status, nil)
	writeJSON(w, status, map[string]string{"detail": msg})
}

func (g *Gateway) record(ctx context.Context, endpoint, method string, status int, params map[string]string) {
	g.metrics.Request(ctx, endpoint, status)
	if err := g.sink.Record(ctx, &stats.Record{
		Endpoint:  endpoint,
		Method:    method,
		Status:    status,
		Params:    params,
		Timestamp: time.Now(),
	}); err != nil {
		log.Errorf(ctx, err, "recording stats")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
