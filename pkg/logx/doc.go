// Package logx is pewsched's structured logger, a thin layer over zerolog.
//
// A Service owns the sinks built from Config and can swap them at runtime
// (Apply) when the config file is reloaded:
//   - stdout: console writer (short timestamp) or raw JSON lines
//   - file: JSON lines appended to File.Path
//
// The zero Logger discards everything, so components can take a Logger by
// value without a nil check.
package logx
