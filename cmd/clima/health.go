package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/clima/internal/connwatch"
	"github.com/nugget/clima/internal/mcp"
	"github.com/nugget/clima/internal/whatsapp"
)

// sessionStatuser reports the WAHA session state.
type sessionStatuser interface {
	SessionStatus(ctx context.Context) (*whatsapp.SessionInfo, error)
}

// wahaProbe passes only while the WhatsApp session is WORKING.
func wahaProbe(c sessionStatuser) connwatch.Probe {
	return func(ctx context.Context) error {
		info, err := c.SessionStatus(ctx)
		if err != nil {
			return err
		}
		if info.Status != "WORKING" {
			return fmt.Errorf("session %s is %s", info.Name, info.Status)
		}
		return nil
	}
}

// toolServerProbe pings the live tool subprocess. It never starts one;
// reconnecting is left to the next turn so the tools get re-bridged.
func toolServerProbe(ch *mcp.Channel) connwatch.Probe {
	return func(ctx context.Context) error {
		if ch.NeedsReconnect() {
			return errors.New("not connected")
		}
		c, err := ch.Client(ctx)
		if err != nil {
			return err
		}
		return c.Ping(ctx)
	}
}
