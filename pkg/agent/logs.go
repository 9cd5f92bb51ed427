package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/cuemby/orbital/pkg/log"
)

// ErrLogsUnsupported is returned by StreamLogs when the agent's runtime
// adapter has no log-streaming capability (the CLI adapter: podman/nerdctl
// expose no stable per-container log file this agent controls). Returning
// this distinct sentinel, rather than silently dropping the request, lets
// the caller surface a real error on the LogsRequest's Response.
var ErrLogsUnsupported = errors.New("runtime adapter does not support log streaming")

// LogStreamer is implemented by runtime adapters that can follow a workload
// instance's output. Only the containerd adapter does.
type LogStreamer interface {
	StreamLogs(ctx context.Context, instanceID string, follow bool, lines chan<- string) error
}

// StreamLogs starts streaming workloadName's current instance output to
// lines, returning a cancel function the caller invokes on LogsCancelRequest
// or connection teardown. follow keeps the stream open for new output;
// without it, StreamLogs sends what's already buffered and closes lines.
func (c *Core) StreamLogs(workloadName string, follow bool, lines chan<- string) (cancel func(), err error) {
	streamer, ok := c.adapter.(LogStreamer)
	if !ok {
		return nil, ErrLogsUnsupported
	}

	c.mu.Lock()
	loop, hasLoop := c.loops[workloadName]
	c.mu.Unlock()
	if !hasLoop {
		return nil, errors.New("no control loop for workload " + workloadName)
	}
	instanceID := loop.InstanceID()
	if instanceID == "" {
		return nil, errors.New("workload " + workloadName + " has no running instance")
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	var once sync.Once
	go func() {
		defer close(lines)
		if err := streamer.StreamLogs(ctx, instanceID, follow, lines); err != nil && ctx.Err() == nil {
			log.WithWorkloadName(workloadName).Warn().Err(err).Msg("log stream ended with error")
		}
	}()

	return func() { once.Do(cancelFn) }, nil
}
