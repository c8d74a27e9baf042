package sip

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/sdp/v3"
)

// Codec identifies a negotiated G.711 variant by its static RTP payload type.
type Codec uint8

const (
	CodecPCMU Codec = 0
	CodecPCMA Codec = 8
)

// Name returns the SDP encoding name.
func (c Codec) Name() string {
	if c == CodecPCMA {
		return "PCMA"
	}
	return "PCMU"
}

// offerInfo is what the endpoint needs out of an incoming SDP offer: which
// G.711 flavors the caller handles and where it wants media sent.
type offerInfo struct {
	pcmu bool
	pcma bool

	// remoteAddr is nil when the offer carries no usable connection line; the
	// media session then relies on symmetric RTP to learn the peer address.
	remoteAddr *net.UDPAddr
}

// pick returns the codec to answer with. PCMU is preferred; when the offer
// lists neither flavor we still answer PCMU and let the peer cope, which is
// what soft-PBXes expect from a G.711-only endpoint.
func (o offerInfo) pick() Codec {
	if !o.pcmu && o.pcma {
		return CodecPCMA
	}
	return CodecPCMU
}

// parseOffer extracts codec support and the remote media address from an SDP
// offer body.
func parseOffer(body []byte) (offerInfo, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return offerInfo{}, fmt.Errorf("sip: parse sdp offer: %w", err)
	}

	var info offerInfo
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}

		for _, format := range md.MediaName.Formats {
			var pt uint8
			if _, err := fmt.Sscanf(format, "%d", &pt); err != nil {
				continue
			}
			codec, err := sd.GetCodecForPayloadType(pt)
			if err != nil {
				// Static payload types are legal without an rtpmap line.
				switch pt {
				case 0:
					info.pcmu = true
				case 8:
					info.pcma = true
				}
				continue
			}
			if codec.ClockRate != 8000 {
				continue
			}
			switch codec.Name {
			case "PCMU":
				info.pcmu = true
			case "PCMA":
				info.pcma = true
			}
		}

		connInfo := md.ConnectionInformation
		if connInfo == nil {
			connInfo = sd.ConnectionInformation
		}
		if connInfo != nil && connInfo.Address != nil && md.MediaName.Port.Value > 0 {
			ip := net.ParseIP(connInfo.Address.Address)
			if ip != nil {
				info.remoteAddr = &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value}
			}
		}
		break
	}

	return info, nil
}

// buildAnswer renders the SDP answer advertising one G.711 codec on rtpPort.
func buildAnswer(localIP string, rtpPort int, c Codec) ([]byte, error) {
	now := uint64(time.Now().Unix())
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "voxline call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: rtpPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{},
		},
		Attributes: []sdp.Attribute{{Key: "sendrecv"}},
	}
	// WithCodec appends both the format entry and the rtpmap attribute.
	media = media.WithCodec(uint8(c), c.Name(), 8000, 1, "")

	sd.MediaDescriptions = []*sdp.MediaDescription{media}
	return sd.Marshal()
}
