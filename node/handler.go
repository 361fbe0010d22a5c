//go:build linux

package node

import (
	"net"

	"github.com/fzft/go-nio-pump/log"
	"go.uber.org/zap"
)

// Sink receives the bytes drained from stream endpoints. It runs on the loop
// goroutine and must not block. data is only valid for the duration of the call.
type Sink interface {
	OnData(ep *Endpoint, data []byte)
}

// AcceptHandler is implemented by sinks that want to know about new connections.
type AcceptHandler interface {
	OnAccept(ep *Endpoint)
}

// CloseHandler is implemented by sinks that want to know when an endpoint is
// closed. err is nil for a clean end of stream or an explicit close.
type CloseHandler interface {
	OnClose(ep *Endpoint, err error)
}

// DatagramSink is implemented by sinks that want the sender of each datagram.
// Sinks without it get datagrams through OnData.
type DatagramSink interface {
	OnDatagram(ep *Endpoint, from net.Addr, data []byte)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ep *Endpoint, data []byte)

func (f SinkFunc) OnData(ep *Endpoint, data []byte) { f(ep, data) }

// LogSink logs every payload.
type LogSink struct{}

func (LogSink) OnData(ep *Endpoint, data []byte) {
	log.Logger.Info("read data", zap.Int("fd", ep.Fd()), zap.ByteString("data", data))
}

func (LogSink) OnDatagram(ep *Endpoint, from net.Addr, data []byte) {
	log.Logger.Info("read datagram", zap.Int("fd", ep.Fd()), zap.Any("from", from), zap.ByteString("data", data))
}

// EchoSink writes every payload back to where it came from.
type EchoSink struct {
	Loop *Loop
}

func (s EchoSink) OnData(ep *Endpoint, data []byte) {
	if err := s.Loop.Write(ep, data); err != nil {
		log.Logger.Debug("echo write failed", zap.Int("fd", ep.Fd()), zap.Error(err))
	}
}

func (s EchoSink) OnDatagram(ep *Endpoint, from net.Addr, data []byte) {
	if err := s.Loop.SendTo(ep, data, from); err != nil {
		log.Logger.Debug("echo send failed", zap.Int("fd", ep.Fd()), zap.Any("to", from), zap.Error(err))
	}
}
