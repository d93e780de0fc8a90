package router

import (
	"time"

	"github.com/amurg-ai/remotectl/pkg/protocol"
)

// startKeepalive sends an application-level ping every interval until the
// returned cancel function is called or a write fails. Controllers answer
// with pong, and every inbound frame extends the read deadline.
func (c *consumer) startKeepalive(interval time.Duration) (cancel func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.send(protocol.TypePing, "", nil); err != nil {
					c.logger.Debug("keepalive ping failed", "error", err)
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
