package durable

import (
	"context"
	"errors"
	"time"

	"github.com/KevoDB/indy/pkg/fiber"
)

// Start runs the writer every WriteDelay and the merger every MergeDelay
// until Stop or until ctx is done. Runs execute on the fiber runner pool
// when the manager has one.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.every(ctx, m.opts.WriteDelay, "writer", m.RunWriter)
	go m.every(ctx, m.opts.MergeDelay, "merger", func(ctx context.Context) error {
		_, err := m.RunMerger(ctx)
		return err
	})
	m.logger.Info("started writer every %s and merger every %s", m.opts.WriteDelay, m.opts.MergeDelay)
}

// Stop halts the background writer and merger and waits for a run in
// progress to finish
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

func (m *Manager) every(ctx context.Context, period time.Duration, name string, run func(context.Context) error) {
	defer m.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := m.onRunner(ctx, run)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, ErrClosed):
			return
		default:
			m.logger.Error("durable %s: %v", name, err)
		}
	}
}

// onRunner executes run on a fiber and waits for it, or runs it inline
// when there is no runner pool or the pool is shutting down. The fiber's
// frame travels in the context so that waits inside run park the frame.
func (m *Manager) onRunner(ctx context.Context, run func(context.Context) error) error {
	runners := m.deps.Runners
	if runners == nil {
		return run(ctx)
	}
	var err error
	done := fiber.NewSync(1)
	if serr := runners.Schedule(func(f *fiber.Frame) {
		err = run(fiber.WithFrame(ctx, f))
		done.Complete()
	}); serr != nil {
		return run(ctx)
	}
	done.Sync(nil)
	return err
}
