package mailbox

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"
)

// regionWatch wakes reply pollers as soon as the mailslot file changes,
// instead of waiting out a full poll interval. It is best effort: when the
// watch cannot be established (block device, NFS, unsupported platform) the
// pollers simply run on their interval.
type regionWatch struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func newRegionWatch(path string, logger pslog.Logger) *regionWatch {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("mailbox.watch.unavailable", "path", path, "error", err)
		return nil
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		logger.Warn("mailbox.watch.unavailable", "path", path, "error", err)
		return nil
	}
	w := &regionWatch{
		watcher: watcher,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go w.run()
	logger.Debug("mailbox.watch.active", "path", path)
	return w
}

// C yields at most one pending wakeup; coalescing is fine since pollers
// rescan the whole frame anyway.
func (w *regionWatch) C() <-chan struct{} {
	return w.events
}

func (w *regionWatch) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.watcher.Close()
	})
	return nil
}

// run forwards filesystem events until the watch is closed. The events
// channel is never closed: a closed channel would make every pending
// poller's select fire on each iteration, so after shutdown pollers just
// fall back to their interval and context deadline.
func (w *regionWatch) run() {
	for {
		select {
		case <-w.stop:
			return
		case _, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.signal()
		case <-w.watcher.Errors:
			w.signal()
		}
	}
}

func (w *regionWatch) signal() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}
