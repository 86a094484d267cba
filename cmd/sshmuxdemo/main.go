// Command sshmuxdemo wires two Mux instances together over an in-memory
// loopback Delegate and runs one channel round trip: open, write, echo,
// close. It exists to give config/env a concrete caller and to serve as a
// living integration smoke test for the multiplexer.
package main

import (
	"context"
	"time"

	"github.com/ezex-io/sshmux/channel"
	"github.com/ezex-io/sshmux/config"
	"github.com/ezex-io/sshmux/logger"
	"github.com/ezex-io/sshmux/message"
	"github.com/ezex-io/sshmux/mux"
	"github.com/ezex-io/sshmux/scheduler"
	"github.com/ezex-io/sshmux/utils"
)

// loopbackDelegate plays the transport's role for this demo: instead of
// serializing messages onto a real SSH connection, it hops onto the
// peer's executor and calls its Receive directly. Real delegates replace
// this with an actual wire write; the executor-hop contract stays the
// same either way (spec.md §5).
type loopbackDelegate struct {
	executor     *scheduler.Executor
	peerMux      *mux.Mux
	peerExecutor *scheduler.Executor
}

func (d *loopbackDelegate) WriteFromParent(msg any, completion func(error)) {
	inbound, ok := msg.(message.Inbound)
	if ok {
		d.peerExecutor.Go(func() {
			if err := d.peerMux.Receive(inbound); err != nil {
				logger.Error("loopback receive error", "error", err.Error())
			}

			d.peerMux.ReadComplete()
		})
	}

	if completion != nil {
		completion(nil)
	}
}

func (d *loopbackDelegate) FlushFromParent() {}

func (d *loopbackDelegate) Executor() *scheduler.Executor { return d.executor }

func main() {
	logger.Info("sshmuxdemo starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.FromEnv()

	clientExec := scheduler.NewExecutor(ctx)
	serverExec := scheduler.NewExecutor(ctx)

	client := &loopbackDelegate{executor: clientExec}
	server := &loopbackDelegate{executor: serverExec}

	clientMux := mux.NewMux(ctx, cfg, client)
	serverMux := mux.NewMux(ctx, cfg, server)

	client.peerMux, client.peerExecutor = serverMux, serverExec
	server.peerMux, server.peerExecutor = clientMux, clientExec

	serverMux.SetAcceptor(func(typ message.ChannelType, _ message.TypeSpecificData, ch *channel.Channel) error {
		logger.Info("server accepted channel", "type", string(typ))

		ch.OnEvent(func(ev channel.InboundEvent) {
			switch ev.Kind {
			case channel.EventData:
				logger.Info("server echoing payload", "payload", string(ev.Payload))
				ch.Write(ev.Payload, 0, nil)
			case channel.EventEOF:
				_ = ch.Close(channel.CloseAll)
			}
		})

		return nil
	})

	done := make(chan struct{})

	clientExec.Go(func() {
		clientMux.CreateChildChannel(message.ChannelTypeSession, message.TypeSpecificData{},
			func(ch *channel.Channel) error {
				ch.OnEvent(func(ev channel.InboundEvent) {
					switch ev.Kind {
					case channel.EventData:
						logger.Info("client received echo", "payload", string(ev.Payload))
					case channel.EventClose, channel.EventError:
						close(done)
					}
				})

				return nil
			},
			func(ch *channel.Channel, err error) {
				if err != nil {
					logger.Error("open failed", "error", err.Error())
					close(done)

					return
				}

				ch.Write([]byte("hello over sshmux\n"), 0, func(writeErr error) {
					if writeErr != nil {
						logger.Error("write failed", "error", writeErr.Error())
					}

					_ = ch.Close(channel.CloseOutput)
				})
			},
		)
	})

	utils.TrapSignal(func() {
		clientMux.ParentInactive()
		serverMux.ParentInactive()
		clientExec.Stop()
		serverExec.Stop()
		cancel()
	})

	select {
	case <-done:
		logger.Info("demo round trip complete")
	case <-time.After(5 * time.Second):
		logger.Warn("demo timed out waiting for round trip")
	}

	clientExec.Stop()
	serverExec.Stop()
}
