// Package logbuffer keeps recent log lines in memory for the debug log endpoint.
//
// A Buffer holds formatted lines up to a byte budget and evicts the oldest
// lines first. Handler is a slog.Handler that formats records into a Buffer,
// and Fanout lets it sit alongside the process's normal console handler:
//
//	buf := logbuffer.New(logbuffer.DefaultMaxBytes)
//	logger := slog.New(logbuffer.Fanout(console, logbuffer.NewHandler(buf, slog.LevelDebug)))
package logbuffer
