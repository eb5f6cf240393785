package clocksync

// Exchange is one completed sync round trip. All fields are epoch
// milliseconds: ClientSendMs and ClientReceiveMs on the local clock,
// ServerMs on the server clock.
type Exchange struct {
	ClientSendMs    int64
	ServerMs        int64
	ClientReceiveMs int64
}

// Valid reports whether the exchange carries plausible timestamps. An
// invalid exchange is skipped before the merge step; the store keeps its
// current estimate.
func (e Exchange) Valid() bool {
	return e.ClientSendMs > 0 && e.ServerMs > 0 && e.ClientReceiveMs > 0
}

// Estimate derives the raw clock offset (server time minus local time)
// from one exchange. One-way latency is assumed to be half the round trip;
// the protocol makes no attempt at asymmetric latency correction, so the
// server's deadline announcements stay comparable across clients.
func Estimate(e Exchange) (rawOffsetMs float64, roundtripMs int64) {
	roundtripMs = e.ClientReceiveMs - e.ClientSendMs
	if roundtripMs < 0 {
		// Local clock jumped mid-exchange. Clamp rather than reject.
		roundtripMs = 0
	}
	oneWay := float64(roundtripMs) / 2
	estimatedServerNow := float64(e.ServerMs) + oneWay
	rawOffsetMs = estimatedServerNow - float64(e.ClientReceiveMs)
	return rawOffsetMs, roundtripMs
}

// EstimateFromPush derives a raw offset from a single server timestamp
// pushed without a matching client send time. Round trip is unknown and
// reported as zero; the store decides whether such a sample may overwrite
// an already-converged estimate.
func EstimateFromPush(serverMs, receivedLocalMs int64) float64 {
	return float64(serverMs - receivedLocalMs)
}
