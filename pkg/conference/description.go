package conference

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/jhgorse/mog/pkg/coordinator"
	"github.com/jhgorse/mog/pkg/rtp"
)

// Параметры кодеков, которые ожидает приемная сторона
const (
	videoClockRate = 90000
	audioClockRate = 48000
	audioChannels  = 1
)

// Description описывает принимаемый поток цепочки в виде SDP.
// Видео: H264 с sprop-parameter-sets из объявленных параметров, аудио: L16.
func Description(chain coordinator.DecodeChain, port int) (*sdp.SessionDescription, error) {
	addressType := "IP4"
	if ip := net.ParseIP(chain.Address); ip != nil && ip.To4() == nil {
		addressType = "IP6"
	}

	name := chain.Name
	if name == "" {
		name = chain.Address
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(chain.SSRC),
			SessionVersion: uint64(time.Now().Unix()),
			NetworkType:    "IN",
			AddressType:    addressType,
			UnicastAddress: chain.Address,
		},
		SessionName: sdp.SessionName(name),
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	var media *sdp.MediaDescription
	switch chain.Media {
	case coordinator.MediaVideo:
		media = mediaDescription("video", port, rtp.PayloadTypeH264, addressType, chain.Address)
		media.Attributes = append(media.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d H264/%d", rtp.PayloadTypeH264, videoClockRate)))
		fmtp := fmt.Sprintf("%d packetization-mode=1", rtp.PayloadTypeH264)
		if chain.PictureParameters != "" {
			fmtp += ";sprop-parameter-sets=" + chain.PictureParameters
		}
		media.Attributes = append(media.Attributes, sdp.NewAttribute("fmtp", fmtp))
	case coordinator.MediaAudio:
		media = mediaDescription("audio", port, rtp.PayloadTypeL16, addressType, chain.Address)
		media.Attributes = append(media.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d L16/%d/%d", rtp.PayloadTypeL16, audioClockRate, audioChannels)))
	default:
		return nil, fmt.Errorf("неизвестный тип медиа: %s", chain.Media)
	}

	media.Attributes = append(media.Attributes,
		sdp.NewPropertyAttribute("recvonly"),
		sdp.NewAttribute("ssrc", fmt.Sprintf("%d cname:%s", chain.SSRC, name)))
	desc.MediaDescriptions = []*sdp.MediaDescription{media}

	return desc, nil
}

func mediaDescription(kind string, port int, payloadType uint8, addressType, address string) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(payloadType))},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType,
			Address:     &sdp.Address{Address: address},
		},
	}
}
