package broker

import (
	"fmt"
	"strings"
)

// CommandBuilder assembles the transcoder subprocess argv with a fluent
// API.
type CommandBuilder struct {
	binary     string
	sourceURL  string
	width      int
	height     int
	targetHost string
	targetPort int
}

// NewCommandBuilder starts a command for the given transcoder binary.
func NewCommandBuilder(binary string) *CommandBuilder {
	return &CommandBuilder{binary: binary}
}

// Source sets the RTSP input URL.
func (b *CommandBuilder) Source(url string) *CommandBuilder {
	b.sourceURL = url
	return b
}

// Dimensions sets the scaled output width and height.
func (b *CommandBuilder) Dimensions(width, height int) *CommandBuilder {
	b.width = width
	b.height = height
	return b
}

// Target sets the loopback host and port the transcoder should connect
// out to once it has frames to emit.
func (b *CommandBuilder) Target(host string, port int) *CommandBuilder {
	b.targetHost = host
	b.targetPort = port
	return b
}

// Build renders the final argv.
func (b *CommandBuilder) Build() []string {
	return []string{
		"-rtsp_transport", "tcp",
		"-i", b.sourceURL,
		"-buffer_size", "1024000",
		"-max_delay", "500000",
		"-timeout", "20000000",
		"-an",
		"-f", "mpegts",
		"-codec:v", "mpeg1video",
		"-vf", fmt.Sprintf("scale=%d:%d", b.width, b.height),
		"-s", fmt.Sprintf("%dx%d", b.width, b.height),
		fmt.Sprintf("tcp://%s:%d", b.targetHost, b.targetPort),
	}
}

// Preview renders the binary and argv as a single string with the source
// URL's credentials redacted, suitable for logging at Info level.
func (b *CommandBuilder) Preview() string {
	args := b.Build()
	redacted := make([]string, len(args))
	copy(redacted, args)
	for i, a := range redacted {
		if strings.HasPrefix(a, "rtsp://") {
			redacted[i] = redactSourceURL(a)
		}
	}
	return b.binary + " " + strings.Join(redacted, " ")
}
