// Package job runs user jobs as cancellable futures gated by resource admission.
//
// A Job declares which resource class it is consuming through JobContext.SetMode.
// Each class is a ResourceCounter with a fixed number of slots; a job that cannot
// get a slot blocks until one is released or its Future is cancelled.
package job
