package daemon

import (
	"context"
	"fmt"

	"github.com/harun/dqagent/internal/tracing"
	"github.com/harun/dqagent/pkg/commandqueue"
	"github.com/harun/dqagent/pkg/cron"
	"github.com/harun/dqagent/pkg/executor"
)

func (d *Daemon) initializeScheduler() error {
	if !d.config.Schedule.Enabled {
		return nil
	}

	var err error
	d.scheduler, err = cron.NewService(cron.ServiceOptions{
		StorePath: d.config.Schedule.StorePath,
		Run:       d.runScheduledJob,
		OnEvent:   d.publishScheduleEvent,
		Logger:    d.logger.Component("schedule"),
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := cron.RegisterGatewayMethods(d.gatewayServer, d.scheduler); err != nil {
		return fmt.Errorf("failed to register schedule methods: %w", err)
	}
	return nil
}

// runScheduledJob runs a job query through the command queue. Jobs bound to a
// session share its lane so they never interleave with interactive requests.
func (d *Daemon) runScheduledJob(ctx context.Context, job *cron.Job) (string, error) {
	if _, err := d.EnsureIndex(ctx); err != nil {
		return "", err
	}
	ctx = tracing.NewRunContext(ctx)

	lane := "schedule:" + job.ID
	task := func(ctx context.Context) (interface{}, error) {
		return d.executor.ExecuteQuery(ctx, job.Query)
	}
	if job.SessionKey != "" {
		sess, err := d.sessions.Get(job.SessionKey)
		if err != nil {
			return "", err
		}
		lane = "session:" + job.SessionKey
		task = func(ctx context.Context) (interface{}, error) {
			if _, err := sess.SubmitQuery(ctx, job.Query); err != nil {
				return nil, err
			}
			return sess.SubmitRun(ctx)
		}
	}

	value, err := d.queue.Enqueue(ctx, lane, commandqueue.Task(task))
	if err != nil {
		return "", err
	}
	result := value.(*executor.Result)
	if result.Empty {
		return "No checks were planned for this request.", nil
	}
	return result.Summary, nil
}

func (d *Daemon) publishScheduleEvent(evt cron.Event) {
	if d.gatewayServer == nil {
		return
	}
	d.gatewayServer.Publish(evt.SessionKey, "schedule."+string(evt.Action), evt)
}

// GetScheduler returns nil when scheduling or planning is disabled.
func (d *Daemon) GetScheduler() *cron.Service {
	return d.scheduler
}
