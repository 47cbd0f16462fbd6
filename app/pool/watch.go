//go:build !dev

package pool

import "context"

func (p *Pool) startWatcher(ctx context.Context) error {
	if len(p.config.WatchDirs) > 0 {
		p.logger.Warn("Worker hot reload needs a binary built with -tags dev", "dirs", p.config.WatchDirs)
	}
	return nil
}
