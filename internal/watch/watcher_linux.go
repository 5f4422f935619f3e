package watch

import (
	"fmt"
	"os"

	"github.com/ppiankov/lockc/internal/metrics"
)

// New opens a fanotify group and marks every existing runtime binary among
// paths. Directories are skipped: when the source of a Kubernetes host
// mount does not exist yet, an empty directory is created in its place,
// and directories carry an executable bit. Non-executable files are
// skipped too. The returned remainder holds the candidate paths that could
// not be marked yet, for the binary watcher to pick up when they appear.
func New(cfg Config, paths []string, sink commandSink, resolver levelResolver, ready <-chan struct{}, m *metrics.Metrics) (w *Watcher, remainder []string, err error) {
	src, err := newFanotifyGroup()
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			_ = src.Close()
		}
	}()

	for _, p := range paths {
		fi, serr := os.Stat(p)
		if serr != nil {
			remainder = append(remainder, p)
			continue
		}
		if fi.IsDir() || fi.Mode()&0o111 == 0 {
			remainder = append(remainder, p)
			continue
		}
		if merr := src.MarkExecPerm(p); merr != nil {
			return nil, nil, merr
		}
		if cfg.Debug {
			fmt.Fprintf(os.Stderr, "lockcd: watch: marked %s\n", p)
		}
	}

	return newWatcher(cfg, src, sink, resolver, ready, m), remainder, nil
}
