package api

import (
	"context"

	"github.com/matheus3301/mtx/internal/bus"
	"github.com/matheus3301/mtx/internal/rpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const streamBuffer = 256

// forward relays bus events in namespace to send until ctx is done. encode
// returns false for events that should not reach this stream.
func forward(ctx context.Context, b *bus.Bus, namespace string, send func(*structpb.Struct) error, encode func(bus.Event) (map[string]any, bool)) error {
	ch, unsub := b.Subscribe(namespace, streamBuffer)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			fields, keep := encode(evt)
			if !keep {
				continue
			}
			msg, err := rpc.Struct(fields)
			if err != nil {
				return err
			}
			if err := send(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
