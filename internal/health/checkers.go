package health

import (
	"context"
	"fmt"

	"github.com/capitalrow/minawire/internal/archive"
	"github.com/capitalrow/minawire/internal/export"
	"github.com/capitalrow/minawire/internal/transport"
)

// Transport reports ready while the upstream connection has not terminally
// failed. A reconnecting client still counts as ready since the backoff loop
// owns recovery.
func Transport(client *transport.Client) Checker {
	return Checker{
		Name: "transport",
		Check: func(_ context.Context) error {
			if s := client.Session(); s.State == transport.StateDisconnected {
				return fmt.Errorf("disconnected from upstream")
			}
			return nil
		},
	}
}

// Archive probes the transcript store. The guard swallows write errors at
// runtime, so readiness is the one place a dead database surfaces.
func Archive(guard *archive.Guard) Checker {
	return Checker{Name: "archive", Check: guard.Ping}
}

// Export reports ready while the publish cooldown gate is closed.
func Export(pub *export.Publisher) Checker {
	return Checker{
		Name: "export",
		Check: func(_ context.Context) error {
			if pub.GateOpen() {
				return fmt.Errorf("publish gate open after repeated broker failures")
			}
			return nil
		},
	}
}
