package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	pkgcron "github.com/echodesk/core/internal/pkg/cron"
)

// Visitors with no heartbeat for this long are flipped offline.
const visitorStaleAfter = 10 * time.Minute

// registerCronJobs registers the scheduled maintenance jobs. Only the cron
// owner (master, or the single process outside cluster mode) runs these.
func registerCronJobs(sched *pkgcron.Scheduler, svcs *services, logger *zap.Logger) {
	cronLogger := logger.Named("CronService")

	sched.Register(pkgcron.Job{
		Name:        "expire_queue_entries",
		Description: "Expire waiting-queue entries past their deadline",
		Interval:    time.Minute,
		Fn: func(ctx context.Context) error {
			n, err := svcs.assign.ExpireQueueEntries(ctx)
			if err != nil {
				cronLogger.Warn("queue expiry sweep failed", zap.Error(err))
				return err
			}
			if n > 0 {
				cronLogger.Info(fmt.Sprintf("expired %d waiting-queue entries", n))
			}
			return nil
		},
	})

	sched.Register(pkgcron.Job{
		Name:        "mark_stale_visitors_offline",
		Description: "Flip visitors offline after a missed presence heartbeat",
		Interval:    5 * time.Minute,
		Fn: func(ctx context.Context) error {
			n, err := svcs.visitors.MarkStaleOffline(ctx, visitorStaleAfter)
			if err != nil {
				cronLogger.Warn("visitor offline sweep failed", zap.Error(err))
				return err
			}
			if n > 0 {
				cronLogger.Info(fmt.Sprintf("marked %d visitors offline", n))
			}
			return nil
		},
	})

	sched.Register(pkgcron.Job{
		Name:        "prune_task_index",
		Description: "Drop expired task rows from the queue status index",
		Interval:    time.Hour,
		Fn: func(ctx context.Context) error {
			n, err := svcs.tasks.PruneIndex(ctx)
			if err != nil {
				cronLogger.Warn("task index prune failed", zap.Error(err))
				return err
			}
			if n > 0 {
				cronLogger.Info(fmt.Sprintf("pruned %d stale task index entries", n))
			}
			return nil
		},
	})

	sched.Register(pkgcron.Job{
		Name:        "cleanup_completed_tasks",
		Description: "Delete completed background tasks older than 7 days",
		Interval:    24 * time.Hour,
		Fn: func(ctx context.Context) error {
			cutoff := time.Now().AddDate(0, 0, -7).UnixMilli()
			if err := svcs.tasks.DeleteCompleted(ctx, cutoff); err != nil {
				cronLogger.Warn("completed-task cleanup failed", zap.Error(err))
				return err
			}
			return nil
		},
	})
}
