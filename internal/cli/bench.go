package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/cobra"

	"jobrunner/internal/app"
	"jobrunner/internal/config"
	"jobrunner/internal/task/job"
	"jobrunner/internal/task/work"
	logx "jobrunner/pkg/logx"
)

type benchOptions struct {
	cpuJobs     int
	netJobs     int
	chain       int
	jobDuration time.Duration
	timeout     time.Duration
}

type benchResult struct {
	Elapsed  time.Duration `json:"elapsed"`
	Jobs     int           `json:"jobs"`
	Chain    int           `json:"chain"`
	Snapshot app.Snapshot  `json:"snapshot"`
}

func newBenchCmd() *cobra.Command {
	var o benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Submit CPU and network jobs plus a chained workflow, then print a snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := benchConfig(configPath(cmd))
			if err != nil {
				return err
			}
			res, err := runBench(cmd.Context(), cfg, o)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().IntVar(&o.cpuJobs, "cpu-jobs", 16, "jobs that hold a cpu slot")
	cmd.Flags().IntVar(&o.netJobs, "network-jobs", 16, "jobs that switch to a network slot")
	cmd.Flags().IntVar(&o.chain, "chain", 8, "length of the dependent work chain")
	cmd.Flags().DurationVar(&o.jobDuration, "job-duration", 20*time.Millisecond, "simulated time per job")
	cmd.Flags().DurationVar(&o.timeout, "timeout", time.Minute, "overall deadline")
	return cmd
}

// benchConfig uses the config file when present and defaults otherwise.
func benchConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path, logx.Nop()).Parse()
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		err = nil
	}
	if err != nil {
		return nil, err
	}
	cfg.Logging.Level = "warn"
	return cfg, nil
}

func runBench(parent context.Context, cfg *config.Config, o benchOptions) (benchResult, error) {
	a, err := app.New(cfg)
	if err != nil {
		return benchResult{}, err
	}
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return benchResult{}, err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = a.Stop(sctx, app.StopAppStop)
	}()

	start := time.Now()
	sleep := func(jc job.JobContext) bool {
		t := time.NewTimer(o.jobDuration)
		defer t.Stop()
		select {
		case <-t.C:
			return true
		case <-jc.Done():
			return false
		}
	}

	futures := make([]*job.Future[bool], 0, o.cpuJobs+o.netJobs)
	for i := 0; i < o.cpuJobs; i++ {
		f, err := job.SubmitNamed(ctx, a.Jobs(), fmt.Sprintf("cpu-%d", i), sleep, nil)
		if err != nil {
			return benchResult{}, err
		}
		futures = append(futures, f)
	}
	for i := 0; i < o.netJobs; i++ {
		f, err := job.SubmitNamed(ctx, a.Jobs(), fmt.Sprintf("net-%d", i), func(jc job.JobContext) bool {
			if !jc.SetMode(job.ModeNetwork) {
				return false
			}
			return sleep(jc)
		}, nil)
		if err != nil {
			return benchResult{}, err
		}
		futures = append(futures, f)
	}

	wf := a.Scheduler().NewWorkflow("bench-chain")
	var prev *work.Work
	for i := 0; i < o.chain; i++ {
		w := work.NewFunc(fmt.Sprintf("link-%d", i), func(ctx context.Context) error {
			t := time.NewTimer(o.jobDuration)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err := wf.AddWork(w, prev); err != nil {
			return benchResult{}, err
		}
		prev = w
	}
	if err := a.Scheduler().PostWorkflow(ctx, wf); err != nil {
		return benchResult{}, err
	}

	for _, f := range futures {
		if _, err := f.GetContext(ctx); err != nil {
			return benchResult{}, err
		}
	}
	if err := wf.Wait(ctx); err != nil {
		return benchResult{}, err
	}

	return benchResult{
		Elapsed:  time.Since(start),
		Jobs:     len(futures),
		Chain:    o.chain,
		Snapshot: a.Snapshot(),
	}, nil
}
