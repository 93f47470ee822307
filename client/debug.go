package client

import (
	"encoding/json"
	"fmt"
)

// DebugInfo returns a snapshot of session state for debugging.
func (s *Session) DebugInfo() map[string]interface{} {
	stats := s.Stats()

	hosts := make(map[string]interface{}, len(stats.Hosts))
	for addr, ps := range stats.Hosts {
		hosts[addr] = map[string]interface{}{
			"connections": ps.Connections,
			"inFlight":    ps.InFlight,
			"down":        ps.Down,
			"reconnects":  ps.Reconnects,
			"dialErrors":  ps.DialErrors,
		}
	}

	info := map[string]interface{}{
		"version":         Version,
		"keyspace":        s.keyspace,
		"protocolVersion": s.cfg.ProtocolVersion,
		"closed":          s.isClosed(),
		"controlHost":     s.control.host(),
		"hosts":           hosts,
		"bytesSent":       stats.BytesSent,
		"bytesReceived":   stats.BytesReceived,
		"preparedCache": map[string]interface{}{
			"hits":      stats.Prepared.Hits,
			"misses":    stats.Prepared.Misses,
			"evictions": stats.Prepared.Evictions,
			"size":      stats.Prepared.Size,
		},
	}

	info["options"] = map[string]interface{}{
		"consistency":         s.cfg.Consistency.String(),
		"compression":         s.cfg.Compression,
		"threadsIO":           s.cfg.ThreadsIO,
		"threadsCallback":     s.cfg.ThreadsCallback,
		"connectionsPerHost":  s.cfg.ConnectionsPerHost,
		"connectTimeout":      s.cfg.ConnectTimeout.String(),
		"heartbeatInterval":   s.cfg.HeartbeatInterval.String(),
		"schemaAgreementWait": s.cfg.SchemaAgreementWait.String(),
		"shutdownGrace":       s.cfg.ShutdownGrace.String(),
		"tlsEnabled":          s.cfg.TLS.Enabled,
	}
	return info
}

// DumpDebugInfoJSON returns debug info as formatted JSON string.
func (s *Session) DumpDebugInfoJSON() string {
	info := s.DebugInfo()
	bytes, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal debug info: %s"}`, err.Error())
	}
	return string(bytes)
}
