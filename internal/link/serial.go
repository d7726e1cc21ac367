package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.bug.st/serial"
)

const defaultBaud = 115200

// SerialLink tunnels Ethernet frames over a UART sideband bridge, one
// HDLC frame per Ethernet frame.
type SerialLink struct {
	port     io.ReadWriteCloser
	portName string
	reader   *bufio.Reader
	mac      net.HardwareAddr
	logger   *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// OpenSerial opens the bridge UART.
func OpenSerial(portName string, baud int, mac net.HardwareAddr, logger *slog.Logger) (*SerialLink, error) {
	if portName == "" {
		return nil, fmt.Errorf("link: serial: no port configured")
	}
	if baud <= 0 {
		baud = defaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("link: serial open %s: %w", portName, err)
	}
	// USB CDC ACM bridges wait for DTR before forwarding.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return newSerialLink(port, portName, mac, logger), nil
}

func newSerialLink(port io.ReadWriteCloser, name string, mac net.HardwareAddr, logger *slog.Logger) *SerialLink {
	return &SerialLink{
		port:     port,
		portName: name,
		reader:   bufio.NewReader(port),
		mac:      mac,
		logger:   logger.With("component", "link", "port", name),
		done:     make(chan struct{}),
	}
}

// Transmit writes one HDLC-framed Ethernet frame.
func (l *SerialLink) Transmit(payload []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	b, err := encodeFrame(l.mac, payload)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.port.Write(hdlcEncode(b)); err != nil {
		return fmt.Errorf("link: serial write %s: %w", l.portName, err)
	}
	return nil
}

// Run reads frames until ctx is cancelled or the link is closed. Transient
// read errors back off and retry.
func (l *SerialLink) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		inner, err := readHDLCFrame(l.reader)
		if err != nil {
			select {
			case <-l.done:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrClosed
			default:
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("link: serial %s: %w", l.portName, err)
			}
			if !errors.Is(err, errTooLarge) {
				l.logger.Error("serial read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-l.done:
				return ErrClosed
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond

		raw, err := hdlcDecode(inner)
		if err != nil {
			l.logger.Warn("serial frame discarded", "err", err, "len", len(inner))
			continue
		}
		payload, ok, err := decodeFrame(raw)
		if err != nil {
			l.logger.Warn("serial frame discarded", "err", err)
			continue
		}
		if !ok {
			continue
		}
		h(payload)
	}
}

// HardwareAddr returns the configured MAC address.
func (l *SerialLink) HardwareAddr() net.HardwareAddr { return l.mac }

// Close closes the port and unblocks Run.
func (l *SerialLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
	})
	return err
}
