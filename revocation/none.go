package revocation

// NoTemporalSafety is the null revoker, for configurations that trade
// temporal safety for throughput. Every sweep is trivially finished, so
// quarantined memory flows straight back to the free lists, and free-target
// validation always passes.
type NoTemporalSafety struct{}

var _ Revoker = NoTemporalSafety{}

func (NoTemporalSafety) EpochGet() uint32                       { return 0 }
func (NoTemporalSafety) HasFinishedForEpoch(uint32) bool        { return true }
func (NoTemporalSafety) Kick()                                  {}
func (NoTemporalSafety) IsAsynchronous() bool                   { return false }
func (NoTemporalSafety) ShadowPaintSingle(uint32, bool)         {}
func (NoTemporalSafety) ShadowPaintRange(uint32, uint32, bool)  {}
func (NoTemporalSafety) ShadowBitGet(uint32) bool               { return false }
func (NoTemporalSafety) IsFreeTargetValid(uint32) bool          { return true }
