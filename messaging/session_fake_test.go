package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/cmwolfe/msgbook/contracts"
)

type delivery struct {
	dest contracts.Destination
	msg  contracts.Message
}

// fakeSession delivers on a single goroutine, in send order, like a
// transport with one delivery flow
type fakeSession struct {
	mu          sync.Mutex
	subscribers map[string][]DeliveryFunc
	sent        []delivery
	sendErr     error
	onSend      func(dest contracts.Destination, msg contracts.Message)

	deliveries chan delivery
	done       chan struct{}
	closeOnce  sync.Once
}

func newFakeSession() *fakeSession {
	s := &fakeSession{
		subscribers: make(map[string][]DeliveryFunc),
		deliveries:  make(chan delivery, 1024),
		done:        make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *fakeSession) loop() {
	for {
		select {
		case d := <-s.deliveries:
			s.mu.Lock()
			subs := append([]DeliveryFunc(nil), s.subscribers[d.dest.Name]...)
			s.mu.Unlock()
			for _, fn := range subs {
				fn(context.Background(), d.msg)
			}
		case <-s.done:
			return
		}
	}
}

func (s *fakeSession) OpenDestination(ctx context.Context, name string, kind contracts.DestinationKind) (contracts.Destination, error) {
	return contracts.Destination{Name: name, Kind: kind}, nil
}

func (s *fakeSession) Send(ctx context.Context, dest contracts.Destination, msg contracts.Message) error {
	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, delivery{dest: dest, msg: msg})
	onSend := s.onSend
	s.mu.Unlock()

	if onSend != nil {
		onSend(dest, msg)
	}
	s.inject(dest, msg)
	return nil
}

func (s *fakeSession) Subscribe(ctx context.Context, dest contracts.Destination, onDeliver DeliveryFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[dest.Name] = append(s.subscribers[dest.Name], onDeliver)
	return nil
}

func (s *fakeSession) Metadata(ctx context.Context) (SessionMetadata, error) {
	return SessionMetadata{ProviderName: "fake", ProviderVersion: "1.0"}, nil
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// inject queues msg for delivery to dest's subscribers
func (s *fakeSession) inject(dest contracts.Destination, msg contracts.Message) {
	select {
	case s.deliveries <- delivery{dest: dest, msg: msg}:
	case <-s.done:
	}
}

// injectAfter queues msg after delay, off the caller's goroutine
func (s *fakeSession) injectAfter(delay time.Duration, dest contracts.Destination, msg contracts.Message) {
	go func() {
		select {
		case <-time.After(delay):
			s.inject(dest, msg)
		case <-s.done:
		}
	}()
}

func (s *fakeSession) setSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *fakeSession) setOnSend(fn func(dest contracts.Destination, msg contracts.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSend = fn
}

func (s *fakeSession) sentTo(name string) []contracts.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contracts.Message
	for _, d := range s.sent {
		if d.dest.Name == name {
			out = append(out, d.msg)
		}
	}
	return out
}

// lender answers every request on queue with answer(request) after delay
func lender(s *fakeSession, queue string, delay time.Duration, answer func(contracts.Message) string) {
	s.setOnSend(func(dest contracts.Destination, msg contracts.Message) {
		if dest.Name != queue || msg.ReplyTo == nil {
			return
		}
		s.injectAfter(delay, *msg.ReplyTo, contracts.NewReply(msg, answer(msg)))
	})
}

// collector records broadcast deliveries
type collector struct {
	mu   sync.Mutex
	msgs []contracts.Message
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) Handle(ctx context.Context, msg contracts.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Payload.Text)
	}
	return out
}

func (c *collector) wait(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-deadline:
			return false
		}
	}
	return true
}
