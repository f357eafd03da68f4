// Package ui holds the console helpers shared by the command line tools:
// single key input without Enter and colored status lines.
package ui

import (
	"context"
	"sync"

	"github.com/eiannone/keyboard"
)

// KeyEsc is delivered for the Escape key.
const KeyEsc rune = 27

// Action is what a key asks the monitor to do.
type Action int

const (
	ActionNone Action = iota
	ActionMeasure
	ActionGainCalibration
	ActionCancel
	ActionToggleSensor
	ActionLightUp
	ActionLightDown
	ActionSave
	ActionQuit
)

var keyActions = map[rune]Action{
	'm':    ActionMeasure,
	' ':    ActionMeasure,
	'g':    ActionGainCalibration,
	'c':    ActionCancel,
	KeyEsc: ActionCancel,
	's':    ActionToggleSensor,
	'+':    ActionLightUp,
	'=':    ActionLightUp,
	'-':    ActionLightDown,
	'w':    ActionSave,
	'q':    ActionQuit,
}

// ActionForKey maps a key rune to its action. Letters are case insensitive.
func ActionForKey(r rune) Action {
	if r >= 'A' && r <= 'Z' {
		r += 'a' - 'A'
	}
	return keyActions[r]
}

var (
	keyCh     chan rune
	startOnce sync.Once
)

// StartKeyEvents returns a channel that emits single key runes read
// without Enter. The channel closes when ctx is done or the keyboard
// fails. If no terminal is attached the channel never emits.
func StartKeyEvents(ctx context.Context) <-chan rune {
	startOnce.Do(func() {
		keyCh = make(chan rune, 64)
		events, err := keyboard.GetKeys(16)
		if err != nil {
			return
		}
		go func() {
			defer close(keyCh)
			defer keyboard.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok || ev.Err != nil {
						return
					}
					r := ev.Rune
					switch ev.Key {
					case 0:
					case keyboard.KeyEsc:
						r = KeyEsc
					case keyboard.KeySpace:
						r = ' '
					case keyboard.KeyCtrlC:
						r = 'q'
					default:
						continue
					}
					select {
					case keyCh <- r:
					default:
					}
				}
			}
		}()
	})
	return keyCh
}

// DrainKeys consumes any keys already buffered on ch.
func DrainKeys(ch <-chan rune) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
