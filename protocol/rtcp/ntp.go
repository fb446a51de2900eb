/*
NAME
  ntp.go

DESCRIPTION
  ntp.go provides NTP timestamps as carried by RTCP sender reports, and the
  round trip time calculation of RFC 3550 section 6.4.1.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package rtcp

import "time"

// delayUnit is the resolution of the DLSR field in seconds.
const delayUnit = 1.0 / 65536.0

// ntpEpochOffset is the number of seconds between the NTP epoch (1900) and
// the Unix epoch (1970).
const ntpEpochOffset = 2208988800

// Timestamp describes an NTP timestamp, see https://tools.ietf.org/html/rfc1305
type Timestamp struct {
	Seconds  uint32
	Fraction uint32
}

// NTP returns t as an NTP timestamp.
func NTP(t time.Time) Timestamp {
	return Timestamp{
		Seconds:  uint32(t.Unix() + ntpEpochOffset),
		Fraction: uint32((uint64(t.Nanosecond()) << 32) / uint64(time.Second)),
	}
}

// ParseTimestamp splits a 64 bit NTP time as held by a sender report.
func ParseTimestamp(v uint64) Timestamp {
	return Timestamp{Seconds: uint32(v >> 32), Fraction: uint32(v)}
}

// Uint64 returns the timestamp in its 64 bit wire form.
func (t Timestamp) Uint64() uint64 {
	return uint64(t.Seconds)<<32 | uint64(t.Fraction)
}

// Middle returns the middle 32 bits of the timestamp, the form used for the
// LSR field of a reception report.
func (t Timestamp) Middle() uint32 {
	return t.Seconds<<16 | t.Fraction>>16
}

// Delay returns d in units of 1/65536 seconds, the form used for the DLSR
// field of a reception report.
func Delay(d time.Duration) uint32 {
	if d < 0 {
		return 0
	}
	return uint32(d.Seconds() / delayUnit)
}

// RTT returns the round trip time measured from a reception report received
// at now carrying lsr and dlsr. ok is false if the report does not refer to
// a sender report.
func RTT(now time.Time, lsr, dlsr uint32) (rtt time.Duration, ok bool) {
	if lsr == 0 {
		return 0, false
	}
	d := int32(NTP(now).Middle() - lsr - dlsr)
	if d < 0 {
		return 0, true
	}
	return time.Duration(float64(d) * delayUnit * float64(time.Second)), true
}
