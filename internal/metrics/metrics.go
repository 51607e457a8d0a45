// Package metrics is a thin expvar.Map wrapper around the proxy's
// per-session request counters, exported at --debug-addr alongside
// tsweb's pprof/health endpoints.
//
// Grounded on the teacher's own counters-struct-plus-Metrics()
// pattern (revproxy.Server.Metrics, lib/modproxy.S3Cacher.Metrics):
// a plain struct of expvar.Int fields, rendered into an *expvar.Map
// for expvar.Publish rather than reaching for a metrics library.
package metrics

import "expvar"

// Counters tracks the outcomes of one proxy session's requests. The
// zero value is ready to use.
type Counters struct {
	Requests         expvar.Int
	Served           expvar.Int
	DownloadFinished expvar.Int
	DownloadFailed   expvar.Int
	DownloadBlocked  expvar.Int
	WritingFailed    expvar.Int
}

// New returns a fresh, zeroed Counters.
func New() *Counters { return &Counters{} }

// Map renders c as an *expvar.Map suitable for expvar.Publish.
func (c *Counters) Map() *expvar.Map {
	m := new(expvar.Map)
	m.Set("requests", &c.Requests)
	m.Set("served", &c.Served)
	m.Set("download_finished", &c.DownloadFinished)
	m.Set("download_failed", &c.DownloadFailed)
	m.Set("download_blocked", &c.DownloadBlocked)
	m.Set("writing_failed", &c.WritingFailed)
	return m
}

// String renders a one-line summary, e.g. for printing at process exit.
func (c *Counters) String() string { return c.Map().String() }
