// Package pool is an elastic worker pool.
//
// Workers start lazily up to Config.MaxWorkers. Surplus idle workers are retired
// once idle longer than Config.IdleTimeout, never below Config.MinWorkers and
// never the last idle one. A saturated pool blocks callers instead of queueing.
package pool
