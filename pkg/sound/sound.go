// Package sound plays short WAV cues (armed, fault) on the controller's
// speaker.  Playback is best effort: a missing speaker or file is logged and
// otherwise ignored.
package sound

import (
	"fmt"
	"os"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
)

type Annunciator struct {
	sounds chan string
	done   chan struct{}
}

// New starts the player goroutine.
func New() *Annunciator {
	a := newAnnunciator()
	go a.loop()
	return a
}

func newAnnunciator() *Annunciator {
	return &Annunciator{
		sounds: make(chan string),
		done:   make(chan struct{}),
	}
}

// Play queues a sound without blocking the caller for more than a few
// milliseconds; cues that cannot be queued are dropped.
func (a *Annunciator) Play(path string) {
	if path == "" {
		return
	}
	defer func() {
		recover() // Don't die if the annunciator is already closed.
	}()
	select {
	case a.sounds <- path:
	case <-time.After(10 * time.Millisecond):
		fmt.Println("SND: timed out trying to play", path)
	}
}

// Close stops accepting sounds and waits for the player to exit.
func (a *Annunciator) Close() {
	close(a.sounds)
	<-a.done
}

func (a *Annunciator) loop() {
	defer close(a.done)
	defer func() {
		if r := recover(); r != nil {
			fmt.Println("SND: player crashed:", r)
			a.drain()
		}
	}()

	sampleRate := beep.SampleRate(44100)
	if err := speaker.Init(sampleRate, sampleRate.N(time.Second/5)); err != nil {
		fmt.Println("SND: failed to open speaker:", err)
		a.drain()
		return
	}

	var ctrl *beep.Ctrl
	var s beep.StreamSeekCloser
	for path := range a.sounds {
		if ctrl != nil {
			speaker.Lock()
			ctrl.Paused = true
			ctrl.Streamer = nil
			speaker.Unlock()
			ctrl = nil
		}
		if s != nil {
			s.Close()
			s = nil
		}

		f, err := os.Open(path)
		if err != nil {
			fmt.Println("SND: failed to open sound:", err)
			continue
		}
		s, _, err = wav.Decode(f)
		if err != nil {
			fmt.Println("SND: failed to decode sound:", err)
			f.Close()
			s = nil
			continue
		}
		ctrl = &beep.Ctrl{Streamer: s}
		speaker.Play(ctrl)
	}
	if s != nil {
		s.Close()
	}
}

func (a *Annunciator) drain() {
	for path := range a.sounds {
		fmt.Println("SND: unable to play", path)
	}
}
