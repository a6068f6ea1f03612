package transport

import "sync"

// inbox holds the messages that arrived at one end of a link and hands them
// to its subscriber in arrival order, on a goroutine of its own.
type inbox struct {
	mu      sync.Mutex
	queue   [][]byte
	handler func([]byte)

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newInbox() *inbox {
	ib := &inbox{
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go ib.pump()
	return ib
}

// push queues a message. It reports false once the inbox is closed.
func (ib *inbox) push(payload []byte) bool {
	select {
	case <-ib.done:
		return false
	default:
	}

	ib.mu.Lock()
	ib.queue = append(ib.queue, payload)
	ib.mu.Unlock()
	ib.signal()
	return true
}

func (ib *inbox) subscribe(handler func([]byte)) error {
	select {
	case <-ib.done:
		return ErrNotConnected
	default:
	}

	ib.mu.Lock()
	ib.handler = handler
	ib.mu.Unlock()
	ib.signal()
	return nil
}

func (ib *inbox) close() {
	ib.closeOnce.Do(func() { close(ib.done) })
}

func (ib *inbox) closed() bool {
	select {
	case <-ib.done:
		return true
	default:
		return false
	}
}

func (ib *inbox) signal() {
	select {
	case ib.kick <- struct{}{}:
	default:
	}
}

func (ib *inbox) pump() {
	for {
		select {
		case <-ib.done:
			return
		case <-ib.kick:
		}
		for {
			ib.mu.Lock()
			if ib.handler == nil || len(ib.queue) == 0 {
				ib.mu.Unlock()
				break
			}
			next := ib.queue[0]
			ib.queue[0] = nil
			ib.queue = ib.queue[1:]
			handler := ib.handler
			ib.mu.Unlock()

			if ib.closed() {
				return
			}
			handler(next)
		}
	}
}
