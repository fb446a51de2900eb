/*
NAME
  rtcp.go

DESCRIPTION
  rtcp.go provides construction and parsing of the RTCP feedback exchanged
  between screen sharing peers: sender and receiver reports, keyframe
  requests, receiver bandwidth estimates and access unit acknowledgements.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package rtcp provides the RTCP feedback used for transport statistics and
// pipeline control.
package rtcp

import (
	"encoding/binary"
	"fmt"
	"time"

	pion "github.com/pion/rtcp"
)

// AckName is the name of application defined packets that acknowledge
// decoded access units. Their data is a list of 32 bit access unit sequence
// numbers.
const AckName = "FJAK"

// SenderInfo is the sender information of a sender report.
type SenderInfo struct {
	NTP         Timestamp
	RTPTime     uint32
	PacketCount uint32
	OctetCount  uint32
}

// Feedback is the content of one compound RTCP datagram.
type Feedback struct {
	SenderSSRC      uint32
	Sender          *SenderInfo // Non-nil if a sender report was present.
	Reports         []pion.ReceptionReport
	KeyframeRequest bool
	Estimate        float64 // Receiver estimated bitrate in bits per second; 0 if absent.
	Acks            []uint32
}

// SenderReport returns a sender report for ssrc at now.
func SenderReport(ssrc uint32, now time.Time, rtpTime, packets, octets uint32) *pion.SenderReport {
	return &pion.SenderReport{
		SSRC:        ssrc,
		NTPTime:     NTP(now).Uint64(),
		RTPTime:     rtpTime,
		PacketCount: packets,
		OctetCount:  octets,
	}
}

// ReceiverReport returns a receiver report from ssrc carrying reports.
func ReceiverReport(ssrc uint32, reports ...pion.ReceptionReport) *pion.ReceiverReport {
	return &pion.ReceiverReport{SSRC: ssrc, Reports: reports}
}

// KeyframeRequest returns a picture loss indication asking media to send a
// keyframe.
func KeyframeRequest(sender, media uint32) *pion.PictureLossIndication {
	return &pion.PictureLossIndication{SenderSSRC: sender, MediaSSRC: media}
}

// Estimate returns a receiver estimated maximum bitrate message.
func Estimate(sender uint32, bps float64, media uint32) *pion.ReceiverEstimatedMaximumBitrate {
	return &pion.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: sender,
		Bitrate:    float32(bps),
		SSRCs:      []uint32{media},
	}
}

// Ack returns an application defined packet acknowledging the decoded access
// units seqs.
func Ack(ssrc uint32, seqs ...uint32) *pion.ApplicationDefined {
	data := make([]byte, 4*len(seqs))
	for i, s := range seqs {
		binary.BigEndian.PutUint32(data[4*i:], s)
	}
	return &pion.ApplicationDefined{SSRC: ssrc, Name: AckName, Data: data}
}

// Marshal serialises pkts as one compound datagram.
func Marshal(pkts ...pion.Packet) ([]byte, error) {
	return pion.Marshal(pkts)
}

// Parse reads a compound datagram. Packet types other than those produced
// by this package are ignored.
func Parse(b []byte) (*Feedback, error) {
	pkts, err := pion.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal rtcp: %w", err)
	}

	var f Feedback
	for _, p := range pkts {
		switch p := p.(type) {
		case *pion.SenderReport:
			f.SenderSSRC = p.SSRC
			f.Sender = &SenderInfo{
				NTP:         ParseTimestamp(p.NTPTime),
				RTPTime:     p.RTPTime,
				PacketCount: p.PacketCount,
				OctetCount:  p.OctetCount,
			}
			f.Reports = append(f.Reports, p.Reports...)
		case *pion.ReceiverReport:
			f.SenderSSRC = p.SSRC
			f.Reports = append(f.Reports, p.Reports...)
		case *pion.PictureLossIndication:
			f.SenderSSRC = p.SenderSSRC
			f.KeyframeRequest = true
		case *pion.ReceiverEstimatedMaximumBitrate:
			f.SenderSSRC = p.SenderSSRC
			f.Estimate = float64(p.Bitrate)
		case *pion.ApplicationDefined:
			if p.Name != AckName {
				continue
			}
			for i := 0; i+4 <= len(p.Data); i += 4 {
				f.Acks = append(f.Acks, binary.BigEndian.Uint32(p.Data[i:]))
			}
		}
	}
	return &f, nil
}
