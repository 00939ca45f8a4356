package commit

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned by Receive once a bus is closed and drained.
var ErrBusClosed = errors.New("commit bus closed")

// Bus carries commit messages from writer instances to the coordinator.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// ChannelBus is an in-process bus.
type ChannelBus struct {
	ch        chan Message
	closeOnce sync.Once
}

func NewChannelBus(size int) *ChannelBus {
	return &ChannelBus{ch: make(chan Message, size)}
}

func (b *ChannelBus) Publish(ctx context.Context, msg Message) error {
	select {
	case b.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *ChannelBus) Receive(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-b.ch:
		if !ok {
			return Message{}, ErrBusClosed
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (b *ChannelBus) Close() error {
	b.closeOnce.Do(func() { close(b.ch) })
	return nil
}

var _ Bus = (*ChannelBus)(nil)
