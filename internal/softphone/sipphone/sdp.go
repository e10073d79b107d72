package sipphone

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// mediaOffer is what the phone advertises in an offer or answer.
type mediaOffer struct {
	Addr        string
	Port        int
	SessionID   uint64
	Codecs      []Codec
	TelEventPT  uint8
	SessionName string
}

// remoteMedia is the peer's audio endpoint parsed from its SDP.
type remoteMedia struct {
	Addr       string
	Port       int
	Formats    []string
	TelEventPT uint8 // zero when the peer offered no telephone-event
}

func buildSDP(o mediaOffer) ([]byte, error) {
	formats := make([]string, 0, len(o.Codecs)+1)
	attrs := make([]sdp.Attribute, 0, len(o.Codecs)+4)
	for _, c := range o.Codecs {
		pt := strconv.Itoa(int(c.PayloadType))
		formats = append(formats, pt)
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%s %s/%d", pt, c.Name, c.SampleRate)})
	}
	if o.TelEventPT != 0 {
		pt := strconv.Itoa(int(o.TelEventPT))
		formats = append(formats, pt)
		attrs = append(attrs,
			sdp.Attribute{Key: "rtpmap", Value: pt + " telephone-event/8000"},
			sdp.Attribute{Key: "fmtp", Value: pt + " 0-15"},
		)
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)

	name := o.SessionName
	if name == "" {
		name = "dialtest"
	}
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "dialtest",
			SessionID:      o.SessionID,
			SessionVersion: o.SessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: o.Addr,
		},
		SessionName: sdp.SessionName(name),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: o.Addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: o.Port},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}
	return desc.Marshal()
}

func parseSDP(body []byte) (remoteMedia, error) {
	if len(body) == 0 {
		return remoteMedia{}, fmt.Errorf("no SDP body")
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return remoteMedia{}, fmt.Errorf("parse SDP: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return remoteMedia{}, fmt.Errorf("no audio media in SDP")
	}

	rm := remoteMedia{
		Port:    audio.MediaName.Port.Value,
		Formats: audio.MediaName.Formats,
	}
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		rm.Addr = audio.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		rm.Addr = desc.ConnectionInformation.Address.Address
	}
	if rm.Addr == "" {
		return remoteMedia{}, fmt.Errorf("no connection address in SDP")
	}

	for _, a := range audio.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		pt, enc, ok := strings.Cut(a.Value, " ")
		if !ok || !strings.HasPrefix(strings.ToLower(enc), "telephone-event/") {
			continue
		}
		if n, err := strconv.Atoi(pt); err == nil && n > 0 && n < 128 {
			rm.TelEventPT = uint8(n)
		}
	}
	return rm, nil
}
