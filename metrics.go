// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package blobject

import "expvar"

// metrics record peer and dispatch activity counters.
type metrics struct {
	packetRecv         expvar.Int
	packetSent         expvar.Int
	packetDropped      expvar.Int
	dispatchIn         expvar.Int // number of inbound requests received
	dispatchUserErr    expvar.Int // number of dispatches raising a user exception
	dispatchUnknownErr expvar.Int // number of dispatches failing with an unknown exception
	dispatchActive     expvar.Int // inbound, awaiting completion
	dispatchTimeout    expvar.Int // number of dispatches abandoned by timeout
	callOut            expvar.Int // number of outbound requests initiated
	callOutErr         expvar.Int // number of outbound requests reporting an error
	callPending        expvar.Int // outbound
	cancelIn           expvar.Int // number of cancellations received
	handleRejected     expvar.Int // repeated resolutions of a completion handle

	emap *expvar.Map
}

var peerMetrics = newMetrics()

func newMetrics() *metrics {
	pm := &metrics{emap: new(expvar.Map)}
	pm.emap.Set("packets_received", &pm.packetRecv)
	pm.emap.Set("packets_sent", &pm.packetSent)
	pm.emap.Set("packets_dropped", &pm.packetDropped)
	pm.emap.Set("dispatches_in", &pm.dispatchIn)
	pm.emap.Set("dispatches_user_failed", &pm.dispatchUserErr)
	pm.emap.Set("dispatches_unknown_failed", &pm.dispatchUnknownErr)
	pm.emap.Set("dispatches_active", &pm.dispatchActive)
	pm.emap.Set("dispatches_timed_out", &pm.dispatchTimeout)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("calls_pending", &pm.callPending)
	pm.emap.Set("cancels_in", &pm.cancelIn)
	pm.emap.Set("handles_rejected", &pm.handleRejected)
	return pm
}
