package source

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Kind identifies where frames come from.
type Kind string

const (
	KindStdin  Kind = "stdin"
	KindFile   Kind = "file"
	KindUDP    Kind = "udp"
	KindSerial Kind = "serial"
)

// Input is a parsed -input flag value.
type Input struct {
	Kind   Kind
	Target string // file path, UDP listen address or serial device
}

func (in Input) String() string {
	if in.Kind == KindStdin {
		return "stdin"
	}
	return string(in.Kind) + ":" + in.Target
}

// ParseInput accepts "-" (stdin), a file path, "udp://host:port" or
// "serial:///dev/ttyUSB0".
func ParseInput(s string) (Input, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "-":
		return Input{Kind: KindStdin}, nil
	case strings.HasPrefix(s, "udp://"):
		u, err := url.Parse(s)
		if err != nil {
			return Input{}, fmt.Errorf("invalid UDP input %q: %w", s, err)
		}
		if u.Host == "" {
			return Input{}, fmt.Errorf("invalid UDP input %q: missing host:port", s)
		}
		return Input{Kind: KindUDP, Target: u.Host}, nil
	case strings.HasPrefix(s, "serial://"):
		path := strings.TrimPrefix(s, "serial://")
		if path == "" {
			return Input{}, fmt.Errorf("invalid serial input %q: missing device path", s)
		}
		return Input{Kind: KindSerial, Target: path}, nil
	case strings.Contains(s, "://"):
		return Input{}, fmt.Errorf("unsupported input scheme in %q", s)
	default:
		return Input{Kind: KindFile, Target: s}, nil
	}
}

// Run streams frames from in to out until the input ends or ctx is
// cancelled. out is not closed.
func Run(ctx context.Context, in Input, opts PortOptions, out chan<- Frame) error {
	switch in.Kind {
	case KindStdin:
		return NewReader("stdin", os.Stdin).Run(ctx, out)

	case KindFile:
		f, err := os.Open(in.Target)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		return NewReader(in.Target, f).Run(ctx, out)

	case KindUDP:
		return NewUDPListener(UDPListenerConfig{Address: in.Target, RcvBuf: 1 << 20}).Start(ctx, out)

	case KindSerial:
		reader, port, err := OpenSerial(in.Target, opts)
		if err != nil {
			return err
		}
		// Closing the port unblocks the pending read on shutdown.
		stop := context.AfterFunc(ctx, func() { port.Close() })
		defer func() {
			if stop() {
				port.Close()
			}
		}()
		return reader.Run(ctx, out)
	}
	return fmt.Errorf("unknown input kind %q", in.Kind)
}
