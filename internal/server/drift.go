package server

import (
	"github.com/beevik/ntp"
	"github.com/rs/zerolog/log"
)

// CheckHostDrift queries an NTP server once and logs the measured offset of
// the host clock. Diagnostic only: the hub always serves its own clock as
// the authoritative time, this just makes gross host misconfiguration
// visible at startup. An empty server disables the check.
func CheckHostDrift(server string) {
	if server == "" {
		return
	}

	resp, err := ntp.Query(server)
	if err != nil {
		log.Warn().Err(err).Str("ntp_server", server).Msg("NTP drift check failed")
		return
	}

	log.Info().
		Str("ntp_server", server).
		Dur("host_offset", resp.ClockOffset).
		Dur("rtt", resp.RTT).
		Msg("host clock drift measured")
}
