// Package logx is jobrunner's structured logging layer.
//
// A small value-type Logger sits on top of zerolog so that:
//   - console output stays short and readable
//   - the optional file sink stays JSON-structured
//   - sinks and level can be swapped at runtime by Service.Apply
package logx
