package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"DagBFT/internal/config"
	"DagBFT/internal/logger"
	"DagBFT/internal/metrics"
	"DagBFT/internal/primary"
	"DagBFT/internal/storage"
	"DagBFT/internal/worker"
)

type role int

const (
	rolePrimary role = iota
	roleWorker
)

// runNode boots a primary or a worker and blocks until a signal arrives or
// a component fails.
func runNode(parent context.Context, flags runFlags, r role, id config.WorkerID) (err error) {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := flags.load()
	if err != nil {
		return err
	}

	store, err := storage.New(flags.store)
	if err != nil {
		return fmt.Errorf("open store:\n%w", err)
	}

	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(sigCtx)

	var closers []func() error

	switch r {
	case rolePrimary:
		p, perr := primary.New(cfg.keys, cfg.committee, cfg.params, store)
		if perr != nil {
			err = perr
			break
		}

		closers = append(closers, func() error { p.Close(); return nil })
		g.Go(func() error { return p.Run(ctx) })
		g.Go(func() error { return analyze(ctx, p.Output()) })

	case roleWorker:
		w, werr := worker.New(cfg.keys, id, cfg.committee, cfg.params, store)
		if werr != nil {
			err = werr
			break
		}

		closers = append(closers, func() error { w.Close(); return nil })
		g.Go(func() error { return w.Run(ctx) })
	}

	if err == nil {
		if flags.metrics != "" {
			g.Go(func() error { return metrics.Serve(ctx, flags.metrics) })
		}

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}

		if sigCtx.Err() != nil {
			logger.Info("shutting down")
		}
	}

	closers = append(closers, store.Close)

	return shutdown(err, closers)
}

// shutdown runs every closer and folds their failures into err.
func shutdown(err error, closers []func() error) error {
	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}

	for _, c := range closers {
		if cerr := c(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
	}

	return result.ErrorOrNil()
}

// analyze consumes the committed headers and logs one line per batch for the
// benchmark scripts.
func analyze(ctx context.Context, output <-chan *primary.Header) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case h := <-output:
			for _, ref := range h.Payload {
				logger.Info(fmt.Sprintf("Committed %s -> %s", h, ref.Digest))
			}
		}
	}
}
