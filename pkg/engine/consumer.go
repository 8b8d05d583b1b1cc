package engine

import (
	"context"

	"exolink/pkg/protocol"
)

// Consumer receives the decoded stream of one session.
type Consumer interface {
	OnConfigReady(cfg protocol.SensorConfig)
	OnPacket(pkt protocol.SensorPacket)
	OnConnectionError(err error)
}

// WarningConsumer is implemented by consumers that want throttled link
// quality warnings.
type WarningConsumer interface {
	OnWarning(msg string)
}

// StateConsumer is implemented by consumers that track the session state.
type StateConsumer interface {
	OnState(state State)
}

// ConsumerFuncs adapts plain functions to Consumer. Nil fields are skipped.
type ConsumerFuncs struct {
	ConfigReady     func(protocol.SensorConfig)
	Packet          func(protocol.SensorPacket)
	ConnectionError func(error)
	Warning         func(string)
	State           func(State)
}

func (f ConsumerFuncs) OnConfigReady(cfg protocol.SensorConfig) {
	if f.ConfigReady != nil {
		f.ConfigReady(cfg)
	}
}

func (f ConsumerFuncs) OnPacket(pkt protocol.SensorPacket) {
	if f.Packet != nil {
		f.Packet(pkt)
	}
}

func (f ConsumerFuncs) OnConnectionError(err error) {
	if f.ConnectionError != nil {
		f.ConnectionError(err)
	}
}

func (f ConsumerFuncs) OnWarning(msg string) {
	if f.Warning != nil {
		f.Warning(msg)
	}
}

func (f ConsumerFuncs) OnState(state State) {
	if f.State != nil {
		f.State(state)
	}
}

// Attach subscribes c to hub and dispatches events to it on its own
// goroutine. Cancelling ctx unsubscribes, but events already queued for c are
// still dispatched. The returned channel closes once the subscription is
// closed and drained.
func Attach(ctx context.Context, hub *Hub, c Consumer) <-chan struct{} {
	return AttachWithBuffer(ctx, hub, c, 0)
}

func AttachWithBuffer(ctx context.Context, hub *Hub, c Consumer, size int) <-chan struct{} {
	sub := hub.SubscribeWithBuffer(size)
	done := make(chan struct{})
	go func() {
		defer close(done)
		stop := ctx.Done()
		for {
			select {
			case <-stop:
				stop = nil
				hub.Unsubscribe(sub)
			case ev, ok := <-sub:
				if !ok {
					return
				}
				Dispatch(c, ev)
			}
		}
	}()
	return done
}

// Dispatch routes one event to the matching Consumer method.
func Dispatch(c Consumer, ev Event) {
	switch ev.Kind {
	case EventConfig:
		c.OnConfigReady(ev.Config)
	case EventPacket:
		c.OnPacket(ev.Packet)
	case EventError:
		c.OnConnectionError(ev.Err)
	case EventWarning:
		if w, ok := c.(WarningConsumer); ok {
			w.OnWarning(ev.Message)
		}
	case EventState:
		if s, ok := c.(StateConsumer); ok {
			s.OnState(ev.State)
		}
	}
}
