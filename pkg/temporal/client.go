package temporal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"go.temporal.io/api/enums/v1"
	taskqueuepb "go.temporal.io/api/taskqueue/v1"
	workflowservicepb "go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"

	"github.com/marketlens/fillx/pkg/utils"
)

type Client struct {
	TClient   client.Client
	TSClient  client.ScheduleClient
	Namespace string

	// Task Queues
	NormalizeQueue string // normalize - per-date partition builds
	ReportsQueue   string // reports - aggregate rebuilds

	// Schedule IDs
	NormalizeScheduleID string
	ReportsScheduleID   string

	// Workflow ID templates
	NormalizeDateWorkflowID string
	RebuildWorkflowID       string
}

type Health struct {
	ConnectionOK   bool                      `json:"connection_ok"`
	NormalizeQueue []*taskqueuepb.PollerInfo `json:"normalize_queue"`
	ReportsQueue   []*taskqueuepb.PollerInfo `json:"reports_queue"`
}

func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("TEMPORAL_HOSTPORT", "localhost:7233")
	ns := utils.Env("TEMPORAL_NAMESPACE", "fillx")
	loggerWrapper := NewZapAdapter(logger)

	logger.Info("Connecting to Temporal", zap.String("host", host), zap.String("namespace", ns))
	tClient, err := Dial(ctx, host, ns, loggerWrapper)
	if err != nil {
		return nil, err
	}

	if _, err = tClient.CheckHealth(ctx, nil); err != nil {
		return nil, err
	}

	return &Client{
		TClient:   tClient,
		TSClient:  tClient.ScheduleClient(),
		Namespace: ns,
		// for now this is just hardcoded, could be configurable if we need it
		NormalizeQueue: "normalize",
		ReportsQueue:   "reports",
		// schedule IDs
		NormalizeScheduleID: "normalize:daily",
		ReportsScheduleID:   "reports:rebuild",
		// workflow IDs
		NormalizeDateWorkflowID: "normalize:%s",
		RebuildWorkflowID:       "rebuild:%d",
	}, nil
}

// Dial connects to Temporal using the provided hostPort and namespace.
func Dial(ctx context.Context, hostPort, namespace string, logger log.Logger) (client.Client, error) {
	return client.DialContext(
		ctx,
		client.Options{
			HostPort:  hostPort,
			Namespace: namespace,
			Logger:    logger,
		},
	)
}

// GetNormalizeQueue returns the partition-build queue.
func (c *Client) GetNormalizeQueue() string { return c.NormalizeQueue }

// GetReportsQueue returns the aggregate-rebuild queue.
func (c *Client) GetReportsQueue() string { return c.ReportsQueue }

// GetNormalizeDateWorkflowID returns the workflow ID for one date's build.
// Deterministic IDs keep concurrent dispatches of the same date collapsed
// into one execution.
func (c *Client) GetNormalizeDateWorkflowID(date time.Time) string {
	return fmt.Sprintf(c.NormalizeDateWorkflowID, date.Format(time.DateOnly))
}

// GetRebuildWorkflowID returns the workflow ID for an aggregate rebuild run.
func (c *Client) GetRebuildWorkflowID(runStamp int64) string {
	return fmt.Sprintf(c.RebuildWorkflowID, runStamp)
}

// GetScheduleSpec returns a schedule spec for the given interval.
func (c *Client) GetScheduleSpec(interval time.Duration) client.ScheduleSpec {
	return client.ScheduleSpec{Intervals: []client.ScheduleIntervalSpec{{Every: interval}}}
}

// Health returns the health of the Temporal client.
func (c *Client) Health(ctx context.Context) (Health, error) {
	h := Health{ConnectionOK: true}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	svc := c.TClient.WorkflowService()
	if svc != nil {
		if rep, err := svc.DescribeTaskQueue(ctx, &workflowservicepb.DescribeTaskQueueRequest{
			Namespace:     c.Namespace,
			TaskQueue:     &taskqueuepb.TaskQueue{Name: c.NormalizeQueue},
			TaskQueueType: enums.TASK_QUEUE_TYPE_WORKFLOW,
		}); err == nil {
			h.NormalizeQueue = rep.GetPollers()
		}
		if rep, err := svc.DescribeTaskQueue(ctx, &workflowservicepb.DescribeTaskQueueRequest{
			Namespace:     c.Namespace,
			TaskQueue:     &taskqueuepb.TaskQueue{Name: c.ReportsQueue},
			TaskQueueType: enums.TASK_QUEUE_TYPE_WORKFLOW,
		}); err == nil {
			h.ReportsQueue = rep.GetPollers()
		}
	}
	return h, nil
}
