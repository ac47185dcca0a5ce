package client

import (
	"sync"
	"time"
)

const TypingTimeout = 2 * time.Second

// Typist turns keystrokes into typing signals: every keystroke re-asserts
// typing, and the indicator is cleared after TypingTimeout of silence.
type Typist struct {
	emit    func(isTyping bool)
	timeout time.Duration

	typing bool
	timer  *time.Timer
	// gen identifies the live timer; a stale timer that already fired is ignored.
	gen uint64
	mu  sync.Mutex
}

func NewTypist(emit func(isTyping bool), timeout time.Duration) *Typist {
	if timeout <= 0 {
		timeout = TypingTimeout
	}
	return &Typist{emit: emit, timeout: timeout}
}

func (t *Typist) Keystroke() {
	t.mu.Lock()
	t.typing = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.timeout, func() { t.expire(gen) })
	t.mu.Unlock()

	t.emit(true)
}

// Stop clears the indicator and tells the peer.
func (t *Typist) Stop() {
	if t.reset() {
		t.emit(false)
	}
}

// Reset clears the indicator without a signal. Used after a send, which
// stops typing on the server by itself.
func (t *Typist) Reset() {
	t.reset()
}

func (t *Typist) IsTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *Typist) reset() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	was := t.typing
	t.typing = false
	return was
}

func (t *Typist) expire(gen uint64) {
	t.mu.Lock()
	if !t.typing || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.mu.Unlock()

	t.emit(false)
}
