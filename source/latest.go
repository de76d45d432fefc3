package source

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

// DefaultResizeDebounce delays resize notifications until the frame size
// has been stable this long.
const DefaultResizeDebounce = 500 * time.Millisecond

// DefaultStaleAfter is how long the stream stays active without a push.
const DefaultStaleAfter = time.Second

var ErrEmptyFrame = errors.New("empty frame")

// Latest is a push-fed video source that only keeps the newest frame.
type Latest struct {
	mu     sync.RWMutex
	frame  image.Image
	size   image.Point
	active   bool
	drops    uint64
	lastPush time.Time

	staleAfter time.Duration

	debounce time.Duration
	timer    *time.Timer
	onResize []func(image.Point)
}

type Option func(*Latest)

func WithResizeDebounce(d time.Duration) Option {
	return func(l *Latest) {
		if d >= 0 {
			l.debounce = d
		}
	}
}

// WithStaleAfter sets how long after the last push the stream counts as
// stopped. Zero keeps it active until Close.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Latest) {
		if d >= 0 {
			l.staleAfter = d
		}
	}
}

func NewLatest(opts ...Option) *Latest {
	l := &Latest{debounce: DefaultResizeDebounce, staleAfter: DefaultStaleAfter}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Decode parses an encoded frame, applying the EXIF orientation if any.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// Push replaces the current frame and marks the stream active. A frame of
// a different size than the previous one schedules a resize notification.
func (l *Latest) Push(frame image.Image) error {
	if frame == nil || frame.Bounds().Empty() {
		return ErrEmptyFrame
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frame != nil {
		l.drops++
	}
	l.frame = frame
	l.active = true
	l.lastPush = time.Now()

	size := frame.Bounds().Size()
	if size != l.size {
		l.size = size
		l.scheduleResize()
	}
	return nil
}

func (l *Latest) scheduleResize() {
	if len(l.onResize) == 0 {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.debounce, l.notifyResize)
}

func (l *Latest) notifyResize() {
	l.mu.RLock()
	size := l.size
	callbacks := append([]func(image.Point){}, l.onResize...)
	l.mu.RUnlock()

	for _, fn := range callbacks {
		fn(size)
	}
}

// OnResize registers fn to be called with the new frame size once it
// settles.
func (l *Latest) OnResize(fn func(image.Point)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onResize = append(l.onResize, fn)
}

// Active reports whether frames are still arriving: something was pushed
// within the stale window and the source is not closed.
func (l *Latest) Active() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.live()
}

func (l *Latest) live() bool {
	if !l.active {
		return false
	}
	return l.staleAfter == 0 || time.Since(l.lastPush) <= l.staleAfter
}

// Frame returns the newest frame. Frames are never mutated after Push, so
// the returned image is a stable snapshot.
func (l *Latest) Frame() (image.Image, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.live() || l.frame == nil {
		return nil, false
	}
	return l.frame, true
}

func (l *Latest) Size() image.Point {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Overwritten counts frames that were replaced by a newer push.
func (l *Latest) Overwritten() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.drops
}

// Close ends the stream. Pending resize notifications are dropped.
func (l *Latest) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.active = false
	l.frame = nil
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}
