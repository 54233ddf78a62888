package mq

import (
	"fmt"

	"go.uber.org/zap"
)

// Option names a tunable engine parameter.
type Option int

const (
	// OptRendezvousFabricThreshold is the largest message sent eagerly over a
	// fabric-class transport.
	OptRendezvousFabricThreshold Option = iota + 1
	// OptRendezvousShmThreshold is the largest message sent eagerly over a
	// shared-memory-class transport.
	OptRendezvousShmThreshold
	// OptRendezvousWindow is the chunk size used when pulling rendezvous data.
	OptRendezvousWindow
	// OptMaxSysbufMBytes is accepted for compatibility and has no effect.
	OptMaxSysbufMBytes
)

const (
	DefaultFabricThreshold  = 64000
	DefaultShmThreshold     = 16000
	DefaultRendezvousWindow = 131072
	MaxRendezvousWindow     = 4 << 20
)

func (o Option) String() string {
	switch o {
	case OptRendezvousFabricThreshold:
		return "rndv_fabric_threshold"
	case OptRendezvousShmThreshold:
		return "rndv_shm_threshold"
	case OptRendezvousWindow:
		return "rndv_window"
	case OptMaxSysbufMBytes:
		return "max_sysbuf_mbytes"
	default:
		return fmt.Sprintf("option(%d)", int(o))
	}
}

type options struct {
	fabric   uint64
	shm      uint64
	window   uint64
	sysbufMB uint64
}

func defaultOptions() options {
	return options{
		fabric: DefaultFabricThreshold,
		shm:    DefaultShmThreshold,
		window: DefaultRendezvousWindow,
	}
}

func (o *options) threshold(c TransportClass) uint64 {
	if c == ClassShm {
		return o.shm
	}
	return o.fabric
}

// SetOption updates an option. The rendezvous window is clamped to
// MaxRendezvousWindow.
func (e *Engine) SetOption(key Option, value uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch key {
	case OptRendezvousFabricThreshold:
		e.opts.fabric = value
	case OptRendezvousShmThreshold:
		e.opts.shm = value
	case OptRendezvousWindow:
		if value == 0 {
			return fmt.Errorf("mq: %s must be positive", key)
		}
		e.opts.window = min(value, MaxRendezvousWindow)
	case OptMaxSysbufMBytes:
		e.opts.sysbufMB = value
	default:
		return fmt.Errorf("%w: %d", ErrUnknownOption, int(key))
	}
	e.log.Debug("option set", zap.Stringer("key", key), zap.Uint64("value", value))
	return nil
}

// GetOption reads an option's current value.
func (e *Engine) GetOption(key Option) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch key {
	case OptRendezvousFabricThreshold:
		return e.opts.fabric, nil
	case OptRendezvousShmThreshold:
		return e.opts.shm, nil
	case OptRendezvousWindow:
		return e.opts.window, nil
	case OptMaxSysbufMBytes:
		return e.opts.sysbufMB, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownOption, int(key))
	}
}
