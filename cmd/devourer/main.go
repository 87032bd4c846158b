// Command devourer runs the change-ingestion core as a standalone
// process: it streams every configured customer's VetSuccess tables on
// startup, launches each customer's HubSpot object chain, and serves
// the Bitwerx webhook plus a health check over HTTP.
//
// The task broker and message-bus transport are external collaborators
// out of scope for this repository (spec's Non-goals); the in-process
// stand-ins below (inProcessQueue, loggingBus) exist only so this
// binary can run end to end locally; they are not production
// transports.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	jujuerrors "github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/VetIntegrations/devourer/config"
	"github.com/VetIntegrations/devourer/core/devourererrors"
	"github.com/VetIntegrations/devourer/core/ingest"
	"github.com/VetIntegrations/devourer/core/kv"
	"github.com/VetIntegrations/devourer/core/orchestrate"
	"github.com/VetIntegrations/devourer/core/publish"
	"github.com/VetIntegrations/devourer/datasources/bitwerx"
	"github.com/VetIntegrations/devourer/datasources/hubspot"
	"github.com/VetIntegrations/devourer/datasources/vetsuccess"
)

var logger = loggo.GetLogger("devourer.cmd")

func main() {
	if err := run(); err != nil {
		logger.Criticalf("devourer exiting: %v", err)
		os.Exit(1)
	}
}

func run() error {
	_ = loggo.ConfigureLoggers("<root>=INFO")

	proc := config.LoadProcess()
	if proc.Debug {
		_ = loggo.ConfigureLoggers("<root>=DEBUG")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	customersPath := envOr("CUSTOMERS_CONFIG_PATH", "customers.yaml")
	raw, err := os.ReadFile(customersPath)
	if err != nil {
		return jujuerrors.Annotatef(err, "reading customer config %q", customersPath)
	}
	customers, err := config.ParseCustomers(raw)
	if err != nil {
		return err
	}
	customerConfig := config.NewCustomerConfig(customers)

	redisClient := redis.NewClient(&redis.Options{Addr: proc.RedisAddr, DB: proc.RedisDB})
	defer redisClient.Close()
	store := kv.NewRedisStore(redisClient)

	bus := &loggingBus{}
	queue := &inProcessQueue{}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)

	for _, nc := range customerConfig.WithBitwerx() {
		registerBitwerxRoute(mux, store, bus, proc, nc)
	}

	for _, nc := range customerConfig.WithVetSuccess() {
		if err := streamVetSuccess(ctx, store, bus, nc); err != nil {
			logger.Errorf("%s: vetsuccess import failed: %v", nc.Name, err)
		}
	}

	for _, nc := range customerConfig.WithHubSpot() {
		if err := launchHubSpot(ctx, store, bus, queue, nc); err != nil {
			logger.Errorf("%s: hubspot launch failed: %v", nc.Name, err)
		}
	}

	addr := envOr("LISTEN_ADDR", ":8080")
	server := &http.Server{Addr: addr, Handler: mux}

	errs := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errs:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

// streamVetSuccess runs one full pass over a customer's configured
// VetSuccess tables, matching DB.get_updates' synchronous generator:
// this binary has no periodic trigger of its own (spec Non-goals), so
// a pass happens once per process start.
func streamVetSuccess(ctx context.Context, store kv.Store, bus publish.Bus, nc config.NamedCustomer) error {
	pool, err := pgxpool.New(ctx, nc.Customer.VetSuccess.DSN)
	if err != nil {
		return jujuerrors.Annotatef(err, "connecting to vetsuccess db for %q", nc.Name)
	}
	defer pool.Close()

	tables := vetsuccess.BuildTables(pool, store)
	driver := ingest.New(nc.Name, tables)

	pub := publish.New(bus, "devourer."+nc.Name+".vetsuccess", 0)
	defer pub.Close(ctx)

	records, errs := driver.Stream(ctx)
	for records != nil || errs != nil {
		select {
		case rec, ok := <-records:
			if !ok {
				records = nil
				continue
			}
			if err := pub.Submit(ctx, rec.Envelope); err != nil {
				logger.Errorf("%s: submitting %s record: %v", nc.Name, rec.Table, err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// launchHubSpot starts a priority-ordered FetchTask chain for every
// configured HubSpot object, matching hubspot_integration's per-object
// Celery task dispatch.
func launchHubSpot(ctx context.Context, store kv.Store, bus publish.Bus, queue *inProcessQueue, nc config.NamedCustomer) error {
	hs := nc.Customer.HubSpot
	objects := make(map[string]hubspot.ObjectConfig, len(hs.Objects))
	priorities := make([]orchestrate.PriorityObject, 0, len(hs.Objects))
	for name, obj := range hs.Objects {
		objects[name] = hubspot.ObjectConfig{
			Properties:      obj.Properties,
			LastUpdateField: obj.LastUpdateField,
			Priority:        obj.Priority,
		}
		priorities = append(priorities, orchestrate.PriorityObject{Name: name, Priority: obj.Priority})
	}

	cursor := hubspot.NewCursor(store, nc.Name)
	fetcher := hubspot.NewFetcher(nc.Name, objects, noopHubSpotAPI{}, cursor)
	pub := publish.New(bus, "devourer."+nc.Name+".hubspot", 0)

	queue.fetcher = fetcher
	queue.publisher = pub
	queue.store = store

	return orchestrate.Launch(ctx, store, queue, nc.Name, priorities, func(objName string) orchestrate.Continuation {
		return orchestrate.Continuation{Limit: 100}
	})
}

func registerBitwerxRoute(mux *http.ServeMux, store kv.Store, bus publish.Bus, proc config.Process, nc config.NamedCustomer) {
	bw := nc.Customer.Bitwerx
	pub := publish.New(bus, "devourer."+nc.Name+".bitwerx", 0)
	cursor := bitwerx.NewCursor(store)

	mux.HandleFunc("/bitwerx/"+nc.Name+"/import", func(w http.ResponseWriter, r *http.Request) {
		runner := &bitwerx.Runner{
			Customer:     nc.Name,
			PracticeID:   bw.PracticeID,
			Username:     bw.Username,
			Password:     bw.Password,
			Client:       bitwerx.NewHTTPClient(),
			Cursor:       cursor,
			Publisher:    pub,
			PollInterval: proc.BitwerxPollInterval,
			Timeout:      proc.BitwerxTimeout,
		}

		err := runner.Run(r.Context())
		status := statusFor(err)
		w.WriteHeader(status)
		logger.Infof("%s: bitwerx import, practiceId=%s, status=%d", nc.Name, bw.PracticeID, status)
	})
}

// statusFor maps a bitwerx.Runner.Run error to the same status codes
// import_run returned: 200 on success, 422 on a validation failure,
// 500 otherwise (timeouts and upstream failures alike).
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case devourererrors.IsValidation(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// loggingBus is the local stand-in for a real message-bus transport
// (out of scope per spec's Non-goals): it logs every published
// envelope body and reports success immediately.
type loggingBus struct{}

func (b *loggingBus) Publish(ctx context.Context, topic string, body []byte) (publish.Handle, error) {
	logger.Debugf("publish %s: %d bytes", topic, len(body))
	return doneHandle{}, nil
}

type doneHandle struct{}

func (doneHandle) Wait(ctx context.Context) error { return nil }

// inProcessQueue is the local stand-in for a real task broker (out of
// scope per spec's Non-goals): it runs a FetchTask synchronously
// instead of enqueuing it, which is sufficient to drive a HubSpot
// object's pagination to completion within a single process lifetime.
type inProcessQueue struct {
	store     kv.Store
	fetcher   orchestrate.ObjectFetcher
	publisher orchestrate.Publisher
}

func (q *inProcessQueue) Enqueue(ctx context.Context, c orchestrate.Continuation, after time.Duration) error {
	if after > 0 {
		select {
		case <-time.After(after):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	task := orchestrate.NewFetchTask(q.store, q, q.fetcher, q.publisher, c)
	return task.Run(ctx)
}

// noopHubSpotAPI is a placeholder HubSpot API client: the real HTTP
// implementation needs an API key per customer wired from
// config.HubSpotIntegration.APIKey, left to deployment-specific
// wiring since no HTTP client library appears anywhere in the
// retrieved pack (see datasources/bitwerx.Client's equivalent note).
type noopHubSpotAPI struct{}

func (noopHubSpotAPI) FetchInitial(ctx context.Context, objType string, cfg hubspot.ObjectConfig, limit int, after string) (hubspot.Page, error) {
	return hubspot.Page{}, jujuerrors.NotImplementedf("hubspot API client")
}

func (noopHubSpotAPI) FetchIncremental(ctx context.Context, objType string, cfg hubspot.ObjectConfig, limit int, after string, sinceUnixMillis int64) (hubspot.Page, error) {
	return hubspot.Page{}, jujuerrors.NotImplementedf("hubspot API client")
}
