package channels_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/go-amplifier/internal/channels"
)

var _ channels.Channel = (*channels.TelegramChannel)(nil)

type fakeRelay struct {
	name    string
	started chan struct{}
	err     error
}

func (f *fakeRelay) Name() string { return f.name }

func (f *fakeRelay) Start(ctx context.Context) error {
	close(f.started)
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_StartsEveryRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &fakeRelay{name: "a", started: make(chan struct{})}
	b := &fakeRelay{name: "b", started: make(chan struct{}), err: errors.New("bad token")}
	channels.Run(ctx, nil, a, b)

	for _, r := range []*fakeRelay{a, b} {
		select {
		case <-r.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("relay %s was not started", r.name)
		}
	}
}

func TestTelegramChannel_Name(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", []int64{123}, nil, nil, nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("Name() = %q, want telegram", got)
	}
}
