package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// renderCachePattern matches the keys written by the render artifact cache.
const renderCachePattern = "render:cache:*"

type clearCacheOptions struct {
	Template string
	DryRun   bool
	Yes      bool
}

type clearCacheConfirmOptions struct {
	opts clearCacheOptions
}

func (c clearCacheConfirmOptions) IsDryRun() bool { return c.opts.DryRun }
func (c clearCacheConfirmOptions) IsYes() bool    { return c.opts.Yes }
func (c clearCacheConfirmOptions) GetWarning() string {
	return "WARNING: this will evict render cache entries; affected payloads render from scratch next time."
}
func (c clearCacheConfirmOptions) GetTarget() string {
	if c.opts.Template == "" {
		return "all templates"
	}
	return fmt.Sprintf("template %q", c.opts.Template)
}

func runClearRenderCache(cmdCtx *commandContext, args []string) error {
	opts, err := parseClearCacheFlags(args)
	if err != nil {
		return err
	}
	if confirmErr := confirmAction(clearCacheConfirmOptions{opts: opts}, "clear render cache"); confirmErr != nil {
		return confirmErr
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, 2*time.Minute)
	defer cancel()

	_, redisClient, err := connectInfraWithOptions(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    &cmdCtx.Config,
		WantRedis: true,
	})
	if err != nil {
		return err
	}
	if redisClient == nil {
		if writeErr := writeln(os.Stderr, "Redis client is not available"); writeErr != nil {
			return fmt.Errorf("print redis availability: %w", writeErr)
		}
		return nil
	}
	defer func() {
		if closeErr := redisClient.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("redis close failed", "error", closeErr)
		}
	}()

	stats, err := deleteRenderCacheKeys(&renderCacheDeleteRequest{
		Ctx:      ctx,
		Logger:   cmdCtx.Logger,
		Redis:    redisClient,
		Options:  opts,
		BatchCap: 1000,
	})
	if err != nil {
		return err
	}

	if stats.total == 0 {
		return writeln(os.Stdout, "No render cache keys found in Redis")
	}
	if opts.DryRun {
		return writef(os.Stdout, "Dry-run: would delete %d keys\n", stats.total)
	}
	return writef(os.Stdout, "Deleted %d/%d render cache keys\n", stats.deleted, stats.total)
}

type renderCacheDeleteRequest struct {
	Ctx      context.Context
	Logger   *slog.Logger
	Redis    redis.UniversalClient
	Options  clearCacheOptions
	BatchCap int
}

type renderCacheDeleteStats struct {
	total    int
	deleted  int
	failures int
}

func deleteRenderCacheKeys(req *renderCacheDeleteRequest) (renderCacheDeleteStats, error) {
	pattern := renderCachePattern
	if req.Options.Template != "" {
		pattern = "render:cache:" + req.Options.Template + ":*"
	}

	stats := renderCacheDeleteStats{}
	batch := make([]string, 0, req.BatchCap)

	iter := req.Redis.Scan(req.Ctx, 0, pattern, 100).Iterator()
	for iter.Next(req.Ctx) {
		stats.total++
		batch = append(batch, iter.Val())
		if len(batch) >= req.BatchCap {
			flushRenderCacheBatch(req, batch, &stats)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return stats, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	if len(batch) > 0 {
		flushRenderCacheBatch(req, batch, &stats)
	}

	if stats.failures > 0 {
		return stats, fmt.Errorf("%d delete batches failed; check logs", stats.failures)
	}
	return stats, nil
}

func flushRenderCacheBatch(req *renderCacheDeleteRequest, batch []string, stats *renderCacheDeleteStats) {
	if req.Options.DryRun {
		return
	}
	deleted, err := req.Redis.Del(req.Ctx, batch...).Result()
	if err != nil {
		stats.failures++
		if req.Logger != nil {
			req.Logger.ErrorContext(req.Ctx, "failed to delete render cache batch",
				"keys", len(batch),
				"error", err,
			)
		}
		return
	}
	stats.deleted += int(deleted)
}

func parseClearCacheFlags(args []string) (clearCacheOptions, error) {
	fs := flag.NewFlagSet("clear-render-cache", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts clearCacheOptions
	fs.StringVar(&opts.Template, "template", "", "Only clear cache entries for this template")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Count matching keys without deleting them")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return clearCacheOptions{}, err
	}

	return opts, nil
}
