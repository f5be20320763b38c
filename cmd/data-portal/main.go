package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/freva-org/freva-data-portal/internal/auth"
	"github.com/freva-org/freva-data-portal/internal/broker"
	"github.com/freva-org/freva-data-portal/internal/cache"
	"github.com/freva-org/freva-data-portal/internal/gateway"
	"github.com/freva-org/freva-data-portal/internal/links"
	"github.com/freva-org/freva-data-portal/internal/presign"
	"github.com/freva-org/freva-data-portal/internal/stats"
	statsmongo "github.com/freva-org/freva-data-portal/internal/stats/mongo"
)

func main() {
	var (
		httpPortF = flag.String("http-port", envOr("DATA_PORTAL_PORT", "8080"), "HTTP listen port")
		redisF    = flag.String("redis", envOr("REDIS_URL", "redis://localhost:6379"), "Redis URL")
		mongoF    = flag.String("mongo", os.Getenv("MONGO_URL"), "MongoDB URL for usage stats (empty disables)")
		mongoDBF  = flag.String("mongo-db", envOr("MONGO_DB", "freva"), "MongoDB database for usage stats")
		secretF   = flag.String("secret", os.Getenv("DATA_PORTAL_SECRET"), "Shared secret for pre-signed share URLs")
		servicesF = flag.String("services", envOr("API_SERVICES", gateway.ServiceName), "Comma-separated enabled services")
		claimsF   = flag.String("claims", os.Getenv("API_OIDC_TOKEN_CLAIMS"), "Required token claims as claim.path=regex pairs, comma separated")
		ttlF      = flag.Int("default-ttl", 3600, "Default cache TTL in seconds")
		rateF     = flag.Float64("convert-rate", 0, "Convert requests per second (0 disables limiting)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if *secretF == "" {
		log.Fatal(ctx, fmt.Errorf("a share secret is required (-secret or DATA_PORTAL_SECRET)"))
	}

	ropts, err := redis.ParseURL(*redisF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid redis URL %q", *redisF)
	}
	rdb := redis.NewClient(ropts)
	store := cache.NewRedisStore(rdb)
	if err := store.Ping(ctx); err != nil {
		log.Fatalf(ctx, err, "redis not reachable at %q", *redisF)
	}
	c := cache.New(store)
	b := broker.New(store)

	public, err := links.Join(ctx, rdb)
	if err != nil {
		log.Fatalf(ctx, err, "joining public link registry")
	}

	signer, err := presign.New([]byte(*secretF))
	if err != nil {
		log.Fatal(ctx, err)
	}

	var verifier auth.Verifier = auth.NopVerifier{}
	if *claimsF != "" {
		rules, err := parseClaims(*claimsF)
		if err != nil {
			log.Fatalf(ctx, err, "invalid -claims value")
		}
		verifier = auth.NewClaimVerifier(rules)
	}

	pingers := []health.Pinger{store}

	var sink stats.Sink = stats.NopSink{}
	if *mongoF != "" {
		mcli, err := mongo.Connect(ctx, options.Client().ApplyURI(*mongoF))
		if err != nil {
			log.Fatalf(ctx, err, "connecting to mongodb at %q", *mongoF)
		}
		defer func() { _ = mcli.Disconnect(context.Background()) }()
		ms, err := statsmongo.New(statsmongo.Options{Client: mcli, Database: *mongoDBF})
		if err != nil {
			log.Fatal(ctx, err)
		}
		sink = stats.NewAsyncSink(ctx, ms, 0)
		pingers = append(pingers, ms)
	}

	g := gateway.New(c, b, signer, verifier, public, sink, newMetrics(ctx), gateway.Config{
		DefaultTTL:  *ttlF,
		Services:    strings.Split(*servicesF, ","),
		ConvertRate: *rateF,
	})

	errc := make(chan error)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-ch)
	}()

	var wg sync.WaitGroup
	addr := net.JoinHostPort("", *httpPortF)
	handleHTTPServer(ctx, addr, g, pingers, &wg, errc, *dbgF)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(35 * time.Second):
		log.Printf(ctx, "shutdown timed out")
	}
	log.Printf(ctx, "exited")
}

// newMetrics registers the portal counters on the ambient meter
// provider. Without an OTel SDK configured they are no-ops.
func newMetrics(ctx context.Context) *stats.Metrics {
	m, err := stats.NewMetrics(otel.Meter("data-portal"))
	if err != nil {
		log.Errorf(ctx, err, "registering metrics, continuing without")
		return nil
	}
	return m
}

// parseClaims turns "realm_access.roles=freva,email=*" into claim rules.
func parseClaims(s string) (auth.ClaimRules, error) {
	rules := auth.ClaimRules{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed claim rule %q", pair)
		}
		rules[k] = append(rules[k], v)
	}
	return rules, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
