// Package mcp implements both ends of the Model Context Protocol over
// stdio: the client that launches a tool server as a subprocess and
// bridges its tools into the agent's registry, and the small server
// that hosts the weather tools inside that subprocess.
//
// Messages are JSON-RPC 2.0, one per line. A connection goes through a
// handshake (initialize plus notifications/initialized), discovery
// (tools/list, resources/list, cached for the connection's lifetime)
// and any number of invocations (tools/call).
package mcp

import "log/slog"

// levelTrace matches config.LevelTrace; wire frames are logged at it.
const levelTrace = slog.Level(-8)
