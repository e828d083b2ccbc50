package sip

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	sdp "github.com/pion/sdp/v3"

	"github.com/MrWong99/callbridge/pkg/audio/codec"
)

// ErrNoCommonCodec is returned by Negotiate when the offer shares no codec
// with the local priority list.
var ErrNoCommonCodec = errors.New("sip: no common codec in offer")

// DefaultPtime is used when the offer carries no a=ptime attribute.
const DefaultPtime = 20 * time.Millisecond

// OfferedCodec is one audio format from an SDP offer.
type OfferedCodec struct {
	ID          codec.ID
	PayloadType uint8
}

// Offer is the relevant subset of a remote SDP offer.
type Offer struct {
	// Addr is where the far end expects RTP. It may be nil for an offer
	// without a usable connection line.
	Addr *net.UDPAddr

	// Codecs lists the supported formats in offer order.
	Codecs []OfferedCodec

	// Ptime is the requested packetisation interval.
	Ptime time.Duration
}

// ParseOffer extracts the first audio stream of an SDP body.
func ParseOffer(body []byte) (Offer, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return Offer{}, fmt.Errorf("sip: parse sdp offer: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		offer := Offer{Ptime: DefaultPtime}

		host := ""
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			host = md.ConnectionInformation.Address.Address
		} else if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
			host = sd.ConnectionInformation.Address.Address
		}
		if ip := net.ParseIP(host); ip != nil && md.MediaName.Port.Value > 0 {
			offer.Addr = &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value}
		}

		if v, ok := md.Attribute("ptime"); ok {
			if ms, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && ms > 0 {
				offer.Ptime = time.Duration(ms) * time.Millisecond
			}
		}

		for _, format := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				continue
			}
			if id, ok := codecFor(&sd, uint8(pt)); ok {
				offer.Codecs = append(offer.Codecs, OfferedCodec{ID: id, PayloadType: uint8(pt)})
			}
		}
		return offer, nil
	}
	return Offer{}, errors.New("sip: sdp offer has no audio stream")
}

// codecFor resolves a payload type through the rtpmap lines, falling back to
// the static assignments for types the offer does not map explicitly.
func codecFor(sd *sdp.SessionDescription, pt uint8) (codec.ID, bool) {
	c, err := sd.GetCodecForPayloadType(pt)
	if err != nil || c.Name == "" {
		return codec.FromPayloadType(pt)
	}
	if c.ClockRate != codec.ClockRate {
		return "", false
	}
	id, err := codec.Parse(c.Name)
	if err != nil {
		return "", false
	}
	return id, true
}

// Negotiate picks the first codec of priority that the offer contains.
func Negotiate(offer Offer, priority []codec.ID) (OfferedCodec, error) {
	for _, want := range priority {
		for _, have := range offer.Codecs {
			if have.ID == want {
				return have, nil
			}
		}
	}
	return OfferedCodec{}, ErrNoCommonCodec
}

// BuildAnswer renders the SDP answer for a single negotiated audio stream.
func BuildAnswer(localIP string, port int, chosen OfferedCodec, ptime time.Duration, sessionID uint64) ([]byte, error) {
	if ptime <= 0 {
		ptime = DefaultPtime
	}
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "callbridge",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(chosen.PayloadType))},
		},
	}
	md.Attributes = append(md.Attributes,
		sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", chosen.PayloadType, chosen.ID, codec.ClockRate)),
		sdp.NewAttribute("ptime", strconv.Itoa(int(ptime/time.Millisecond))),
		sdp.NewPropertyAttribute("sendrecv"),
	)
	sd.MediaDescriptions = []*sdp.MediaDescription{md}

	out, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("sip: marshal sdp answer: %w", err)
	}
	return out, nil
}
