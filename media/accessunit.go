/*
DESCRIPTION
  accessunit.go provides AccessUnit, the encoded representation of one frame,
  and the capture frame rates a session may run at.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package media

import "time"

// AccessUnit is an encoded frame. Seq is strictly increasing within a session
// and never reused. For keyframes Ref equals Seq; for deltas Ref is the
// sequence number of the access unit the delta was coded against.
type AccessUnit struct {
	Seq      uint32
	Ref      uint32
	PTS      time.Duration
	Keyframe bool
	Width    int
	Height   int
	Size     int // Encoded size in bytes, len(Payload).
	Payload  []byte
}

// Framerates lists the capture frame rates a session may be configured with.
var Framerates = []uint{5, 24, 30, 60, 120, 144, 200}

// ValidFramerate reports whether fps is one of Framerates.
func ValidFramerate(fps uint) bool {
	for _, f := range Framerates {
		if f == fps {
			return true
		}
	}
	return false
}

// FrameInterval returns the nominal interval between frames at fps.
func FrameInterval(fps uint) time.Duration {
	if fps == 0 {
		return 0
	}
	return time.Second / time.Duration(fps)
}
