//go:build linux

package faultline

import (
	"context"
	"fmt"
	"syscall"

	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
)

type Line struct {
	line  *gpiocdev.Line
	latch *edgeLatch
}

// Open requests offset on chip as a pulled-up input with falling-edge events.
func Open(chip string, offset int) (*Line, error) {
	l := &Line{latch: newEdgeLatch()}
	line, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithConsumer("foc-nfault"),
		gpiocdev.WithEventHandler(l.onEvent))
	if err != nil {
		if err == syscall.Errno(22) {
			fmt.Println("FAULT: pull-up bias needs Linux 5.5 or later")
		}
		return nil, errors.Wrapf(err, "failed to request %s:%d", chip, offset)
	}
	l.line = line

	// The driver may have faulted before we were watching.
	v, err := line.Value()
	if err != nil {
		line.Close()
		return nil, errors.Wrap(err, "failed to read nFAULT")
	}
	if v == 0 {
		fmt.Println("FAULT: nFAULT already asserted")
		l.latch.assert()
	}
	return l, nil
}

func (l *Line) onEvent(evt gpiocdev.LineEvent) {
	if evt.Type == gpiocdev.LineEventFallingEdge {
		l.latch.assert()
	}
}

// Wait blocks until nFAULT is asserted or ctx is done.
func (l *Line) Wait(ctx context.Context) error {
	return l.latch.wait(ctx)
}

func (l *Line) Close() error {
	return l.line.Close()
}
