package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Swind/go-workflow-orchestrator/core"
)

var demoEntityTypes = []string{"document", "report", "flaky", "thumbnail"}

func demoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Schedule simulated workflows in-process and print the resulting metrics",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "count",
				Value: 40,
				Usage: "number of workflows to schedule",
			},
			&cli.DurationFlag{
				Name:  "backoff",
				Value: 200 * time.Millisecond,
				Usage: "retry backoff base, overrides retry.backoffBase",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 30 * time.Second,
				Usage: "give up waiting after this long",
			},
		},
		Action: demoAction,
	}
}

func demoAction(c *cli.Context) error {
	f, err := loadConfig(c)
	if err != nil {
		return err
	}
	f.Retry.BackoffBase = c.Duration("backoff")
	f.Retry.BackoffMaxJitter = c.Duration("backoff") / 2
	f.Store.Driver = "memory"
	f.Metrics.Enabled = false

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	rt, err := buildRuntime(ctx, f, c.App.ErrWriter)
	if err != nil {
		return cli.Exit(fmt.Sprintf("build orchestrator: %v", err), 1)
	}
	defer rt.close(context.Background())
	if err := rt.start(context.Background()); err != nil {
		return cli.Exit(fmt.Sprintf("start orchestrator: %v", err), 1)
	}

	ids := make([]string, 0, c.Int("count"))
	for i := range c.Int("count") {
		id, err := rt.local.ScheduleWorkflow(ctx, core.ScheduleRequest{
			EntityID:    fmt.Sprintf("demo-%03d", i),
			EntityType:  demoEntityTypes[i%len(demoEntityTypes)],
			Priority:    core.Priorities[i%len(core.Priorities)],
			TriggeredBy: "demo",
		})
		if errors.Is(err, core.ErrRejected) {
			continue
		}
		if err != nil {
			return cli.Exit(fmt.Sprintf("schedule: %v", err), 1)
		}
		ids = append(ids, id)
	}

	if err := waitTerminal(ctx, rt.local.Orchestrator, ids); err != nil {
		fmt.Fprintf(c.App.ErrWriter, "stopped waiting: %v\n", err)
	}
	return writeDemoSummary(c.App.Writer, rt.local.GetOrchestrationMetrics())
}

// waitTerminal polls until every entry is completed, cancelled or failed
// without a pending retry.
func waitTerminal(ctx context.Context, o *core.Orchestrator, ids []string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending := 0
		for _, id := range ids {
			e, ok := o.GetScheduleEntry(id)
			if !ok {
				continue
			}
			switch e.Status {
			case core.StatusCompleted, core.StatusCancelled, core.StatusFailed:
			default:
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d workflows still pending: %w", pending, ctx.Err())
		case <-ticker.C:
		}
	}
}

type demoSummary struct {
	Scheduled   int64             `json:"scheduled"`
	Completed   int64             `json:"completed"`
	Failed      int64             `json:"failed"`
	Retried     int64             `json:"retried"`
	Deferred    int64             `json:"deferred"`
	Prioritized int64             `json:"prioritized"`
	Rejected    int64             `json:"rejected"`
	SuccessRate float64           `json:"successRate"`
	Efficiency  float64           `json:"averageEfficiency"`
	AvgLatency  string            `json:"avgSchedulingLatency"`
	Utilization core.Load         `json:"resourceUtilization"`
	Active      map[string]int    `json:"activeByPriority"`
	Journal     core.JournalStats `json:"journal"`
}

func writeDemoSummary(w io.Writer, m core.OrchestrationMetrics) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(demoSummary{
		Scheduled:   m.TotalScheduled,
		Completed:   m.Completed,
		Failed:      m.Failed,
		Retried:     m.Retried,
		Deferred:    m.Deferred,
		Prioritized: m.Prioritized,
		Rejected:    m.Rejected,
		SuccessRate: m.WorkflowSuccessRate,
		Efficiency:  m.AverageEfficiency,
		AvgLatency:  m.AvgSchedulingLatency.String(),
		Utilization: m.ResourceUtilization,
		Active:      m.ActiveByPriority,
		Journal:     m.Journal,
	})
}
