package broker

import (
	"fmt"
	"time"
)

// liveChannelThreshold is the channel number at or above which a camera exposes
// its feed under the h265/chNN/main path instead of the numbered
// Streaming/Channels path.
const liveChannelThreshold = 33

// buildSourceURL derives the RTSP URL the transcoder should read from. It
// is a pure function of the descriptor.
func buildSourceURL(d SourceDescriptor) string {
	if d.StartTime == nil {
		return buildLiveURL(d)
	}
	return buildPlaybackURL(d)
}

func buildLiveURL(d SourceDescriptor) string {
	if d.ChannelNo >= liveChannelThreshold {
		return fmt.Sprintf("rtsp://%s:%s@%s:%d/h265/ch%d/main/av_stream",
			d.Username, d.Password, d.Host, d.Port, d.ChannelNo)
	}
	return fmt.Sprintf("rtsp://%s:%s@%s:%d/Streaming/Channels/%d0%d",
		d.Username, d.Password, d.Host, d.Port, d.ChannelNo, d.StreamType)
}

func buildPlaybackURL(d SourceDescriptor) string {
	cn := d.ChannelNo
	if d.ChannelNo >= liveChannelThreshold {
		cn = d.ChannelNo - liveChannelThreshold + 1
	}

	url := fmt.Sprintf("rtsp://%s:%s@%s:%d/Streaming/tracks/%d0%d?starttime=%s",
		d.Username, d.Password, d.Host, d.Port, cn, d.StreamType, formatPlaybackTime(*d.StartTime))

	if d.EndTime != nil {
		url += "&endtime=" + formatPlaybackTime(*d.EndTime)
	}
	return url
}

// formatPlaybackTime renders a time, converted to UTC, in the camera's
// compact form: YYYYMMDDtHHMMSSz (lowercase t and z).
func formatPlaybackTime(t time.Time) string {
	return t.UTC().Format("20060102t150405z")
}

// redactSourceURL replaces the credential segment of an RTSP URL with a
// placeholder so it is safe to log.
func redactSourceURL(rawURL string) string {
	const scheme = "rtsp://"
	if len(rawURL) <= len(scheme) {
		return rawURL
	}
	rest := rawURL[len(scheme):]
	at := -1
	for i, c := range rest {
		if c == '@' {
			at = i
		}
		if c == '/' {
			break
		}
	}
	if at == -1 {
		return rawURL
	}
	return scheme + "***:***" + rest[at:]
}
