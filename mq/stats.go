package mq

import "code.hybscloud.com/atomix"

// Stats is a snapshot of an engine's traffic counters.
type Stats struct {
	// Receives delivered straight into a posted buffer.
	RxUserBytes uint64
	RxUserNum   uint64
	// Receives delivered from an unexpected (staged) message.
	RxSysBytes uint64
	RxSysNum   uint64

	TxNum        uint64
	TxEagerNum   uint64
	TxEagerBytes uint64
	TxRndvNum    uint64
	TxRndvBytes  uint64

	TxShmNum uint64
	RxShmNum uint64

	// Staging buffers taken for unexpected eager messages.
	RxSysbufNum   uint64
	RxSysbufBytes uint64

	OutOfOrderFragments uint64
	FastpathDisabled    uint64
	FastpathEnabled     uint64
}

type stats struct {
	rxUserBytes, rxUserNum atomix.Uint64
	rxSysBytes, rxSysNum   atomix.Uint64

	txNum                    atomix.Uint64
	txEagerNum, txEagerBytes atomix.Uint64
	txRndvNum, txRndvBytes   atomix.Uint64
	txShmNum, rxShmNum       atomix.Uint64

	rxSysbufNum, rxSysbufBytes atomix.Uint64

	outOfOrder                        atomix.Uint64
	fastpathDisabled, fastpathEnabled atomix.Uint64
}

func (s *stats) countTx(class TransportClass, rendezvous bool, n int) {
	s.txNum.Add(1)
	if class == ClassShm {
		s.txShmNum.Add(1)
	}
	if rendezvous {
		s.txRndvNum.Add(1)
		s.txRndvBytes.Add(uint64(n))
		return
	}
	s.txEagerNum.Add(1)
	s.txEagerBytes.Add(uint64(n))
}

func (s *stats) countRx(tr Transport) {
	if tr != nil && tr.Class() == ClassShm {
		s.rxShmNum.Add(1)
	}
}

// Stats returns the engine's counters. It does not take the engine lock.
func (e *Engine) Stats() Stats {
	s := &e.stats
	return Stats{
		RxUserBytes:         s.rxUserBytes.Load(),
		RxUserNum:           s.rxUserNum.Load(),
		RxSysBytes:          s.rxSysBytes.Load(),
		RxSysNum:            s.rxSysNum.Load(),
		TxNum:               s.txNum.Load(),
		TxEagerNum:          s.txEagerNum.Load(),
		TxEagerBytes:        s.txEagerBytes.Load(),
		TxRndvNum:           s.txRndvNum.Load(),
		TxRndvBytes:         s.txRndvBytes.Load(),
		TxShmNum:            s.txShmNum.Load(),
		RxShmNum:            s.rxShmNum.Load(),
		RxSysbufNum:         s.rxSysbufNum.Load(),
		RxSysbufBytes:       s.rxSysbufBytes.Load(),
		OutOfOrderFragments: s.outOfOrder.Load(),
		FastpathDisabled:    s.fastpathDisabled.Load(),
		FastpathEnabled:     s.fastpathEnabled.Load(),
	}
}
