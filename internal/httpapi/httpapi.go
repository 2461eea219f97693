// Package httpapi hosts the REST surface: call initiation and lookup, bulk
// dialing, scheduling, retries, stats, the provider status webhook, the media
// websocket upgrade, health probes, and the Prometheus scrape endpoint.
//
// Handlers are thin. Every operation delegates to the owning component
// through a small consumer interface, and errors are translated into the
// shared {error:{code,message}} envelope by classify.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocalix/vocalix/pkg/store"
	"github.com/vocalix/vocalix/pkg/telephony"
	"github.com/vocalix/vocalix/pkg/types"

	"github.com/vocalix/vocalix/internal/dialer"
	"github.com/vocalix/vocalix/internal/health"
	"github.com/vocalix/vocalix/internal/observe"
	"github.com/vocalix/vocalix/internal/scheduler"
)

// CallDialer places, batches, and cancels outbound calls. *dialer.Dialer
// satisfies it.
type CallDialer interface {
	Initiate(ctx context.Context, req dialer.Request) (string, error)
	Bulk(ctx context.Context, reqs []dialer.Request) ([]dialer.BulkItem, error)
	Cancel(ctx context.Context, callID string) error
}

// CallScheduling books and cancels future calls. *scheduler.CallScheduler
// satisfies it.
type CallScheduling interface {
	Schedule(ctx context.Context, req scheduler.ScheduleRequest) (*types.ScheduledJob, *types.Call, error)
	Cancel(ctx context.Context, jobID string) error
}

// JobQueue is the read-and-adjust view of the delayed-job queue.
// *scheduler.Scheduler satisfies it.
type JobQueue interface {
	List(ctx context.Context, filter store.JobFilter) ([]*types.ScheduledJob, error)
	Reschedule(ctx context.Context, jobID string, dueAt time.Time) error
	Stats(ctx context.Context) (*scheduler.Stats, error)
}

// RetryService exposes the retry engine to the manual-retry and retry-list
// endpoints. *retry.Engine satisfies it.
type RetryService interface {
	ScheduleRetry(ctx context.Context, callID string, reason types.FailureReason) (string, error)
	List(ctx context.Context, callID string) ([]*types.RetryAttempt, error)
}

// WebhookSink consumes provider status events. *webhook.Dispatcher satisfies
// it.
type WebhookSink interface {
	Handle(ctx context.Context, ev telephony.StatusEvent) error
}

// Deps carries everything the server routes to. Media and Health are
// optional; a nil Metrics selects the package default.
type Deps struct {
	Calls      store.CallStore
	Dialer     CallDialer
	Scheduling CallScheduling
	Jobs       JobQueue
	Retries    RetryService
	Webhooks   WebhookSink

	// Media serves the telephony provider's websocket media leg.
	Media http.Handler

	Health  *health.Handler
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server is the HTTP surface. Construct with New, mount with Router.
type Server struct {
	calls   store.CallStore
	dial    CallDialer
	sched   CallScheduling
	jobs    JobQueue
	retries RetryService
	hooks   WebhookSink
	media   http.Handler
	health  *health.Handler
	metrics *observe.Metrics
	log     *slog.Logger
}

// New creates a Server from its dependencies.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Health == nil {
		deps.Health = health.New()
	}
	return &Server{
		calls:   deps.Calls,
		dial:    deps.Dialer,
		sched:   deps.Scheduling,
		jobs:    deps.Jobs,
		retries: deps.Retries,
		hooks:   deps.Webhooks,
		media:   deps.Media,
		health:  deps.Health,
		metrics: deps.Metrics,
		log:     logger.With("component", "httpapi"),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observe.Middleware(s.metrics))

	s.health.Register(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.media != nil {
		r.GET("/media", gin.WrapH(s.media))
	}
	r.POST("/webhooks/status", s.handleWebhook)

	v1 := r.Group("/v1")
	{
		v1.POST("/calls", s.createCall)
		v1.POST("/calls/bulk", s.bulkCalls)
		v1.GET("/calls/:id", s.getCall)
		v1.DELETE("/calls/:id", s.cancelCall)
		v1.POST("/calls/:id/retry", s.manualRetry)
		v1.GET("/calls/:id/retries", s.listRetries)

		v1.GET("/scheduled", s.listScheduled)
		v1.POST("/scheduled/:id/reschedule", s.rescheduleJob)
		v1.DELETE("/scheduled/:id", s.cancelScheduled)

		v1.GET("/stats", s.stats)
	}
	return r
}
