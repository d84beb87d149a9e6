package revocation

// SoftwareRevoker sweeps the heap synchronously, a bounded slice at a time,
// on behalf of whichever caller queries it. Kick starts a sweep (or advances
// one already in progress); HasFinishedForEpoch also advances the sweep, so
// a thread polling for completion is the thread doing the work.
//
// Epoch parity encodes the sweep state: odd while sweeping, even when idle.
type SoftwareRevoker struct {
	*Bitmap
	epoch     uint32
	cursor    uint32
	heapSize  uint32
	tickBytes uint32
}

var _ Revoker = (*SoftwareRevoker)(nil)

// NewSoftwareRevoker creates a software revoker over [baseAddr,
// baseAddr+size). tickBytes bounds the amount of heap scanned per query; 0
// picks a default of a quarter of the heap.
func NewSoftwareRevoker(baseAddr, size uint32, granuleShift uint, tickBytes uint32) (*SoftwareRevoker, error) {
	bitmap, err := NewBitmap(baseAddr, size, granuleShift)
	if err != nil {
		return nil, err
	}
	if tickBytes == 0 {
		tickBytes = size / 4
		if tickBytes == 0 {
			tickBytes = size
		}
	}
	return &SoftwareRevoker{
		Bitmap:    bitmap,
		heapSize:  size,
		tickBytes: tickBytes,
	}, nil
}

func (r *SoftwareRevoker) EpochGet() uint32 { return r.epoch }

func (r *SoftwareRevoker) IsAsynchronous() bool { return false }

// Kick starts a sweep if the revoker is idle, otherwise advances the
// current one.
func (r *SoftwareRevoker) Kick() { r.tick() }

// HasFinishedForEpoch advances the sweep by one slice if one is in progress,
// then applies the epoch rule.
func (r *SoftwareRevoker) HasFinishedForEpoch(previous uint32) bool {
	if r.epoch&1 != 0 {
		r.tick()
	}
	return EpochFinished(r.epoch, previous)
}

func (r *SoftwareRevoker) tick() {
	if r.epoch&1 == 0 {
		r.epoch++
		r.cursor = 0
		return
	}
	r.cursor += r.tickBytes
	if r.cursor >= r.heapSize {
		r.epoch++
	}
}
