package heap

import "github.com/launchdarkly/go-jsonstream/v3/jwriter"

// PrintDetailedMap streams the heap state into writer: counters first, then
// one entry per chunk in address order.
func (m *MState) PrintDetailedMap(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("TotalBytes").Int(int(m.totalSize))
	obj.Name("FreeBytes").Int(int(m.freeSize))
	obj.Name("QuarantineBytes").Int(int(m.quarantineSize))
	obj.Name("Epoch").Int(int(m.rev.EpochGet()))

	chunks := obj.Name("Chunks").Array()
	defer chunks.End()

	m.ForEachChunk(func(info ChunkInfo) bool {
		chunk := chunks.Object()
		defer chunk.End()

		chunk.Name("Address").Int(int(info.Address))
		chunk.Name("Size").Int(int(info.Size))
		chunk.Name("State").String(chunkStateName(info))
		if info.InUse && !info.Quarantined {
			chunk.Name("Owner").Int(int(info.Owner))
		}
		return true
	})
}

func chunkStateName(info ChunkInfo) string {
	switch {
	case info.Quarantined:
		return "quarantined"
	case info.Sealed:
		return "sealed"
	case info.InUse:
		return "allocated"
	default:
		return "free"
	}
}

// DebugLogAllAllocations logs every live allocation through the MState's
// logger. Debug aid; not wired to any hot path.
func (m *MState) DebugLogAllAllocations() {
	m.ForEachChunk(func(info ChunkInfo) bool {
		if info.InUse && !info.Quarantined {
			m.log.Debug("live allocation",
				"address", info.Address,
				"size", info.Size,
				"owner", info.Owner,
				"sealed", info.Sealed)
		}
		return true
	})
}
