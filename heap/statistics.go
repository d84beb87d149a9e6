package heap

import "math"

// Statistics is the cheap summary of heap occupancy.
type Statistics struct {
	TotalBytes      int
	FreeBytes       int
	QuarantineBytes int
	LiveBytes       int

	LiveAllocations  int
	FreeChunks       int
	QuarantineChunks int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.TotalBytes += other.TotalBytes
	s.FreeBytes += other.FreeBytes
	s.QuarantineBytes += other.QuarantineBytes
	s.LiveBytes += other.LiveBytes
	s.LiveAllocations += other.LiveAllocations
	s.FreeChunks += other.FreeChunks
	s.QuarantineChunks += other.QuarantineChunks
}

// DetailedStatistics additionally tracks chunk-size extremes, which is what
// fragmentation diagnoses want.
type DetailedStatistics struct {
	Statistics
	AllocationSizeMin int
	AllocationSizeMax int
	FreeRangeSizeMin  int
	FreeRangeSizeMax  int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.LiveAllocations++
	s.LiveBytes += size
	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}
	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeChunks++
	s.FreeBytes += size
	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}
	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

// AddDetailedStatistics accumulates the heap's current state into stats.
func (m *MState) AddDetailedStatistics(stats *DetailedStatistics) {
	stats.TotalBytes += int(m.totalSize)
	m.ForEachChunk(func(info ChunkInfo) bool {
		switch {
		case info.Quarantined:
			stats.QuarantineChunks++
			stats.QuarantineBytes += int(info.Size)
		case info.InUse:
			stats.AddAllocation(int(info.Size))
		default:
			stats.AddFreeRange(int(info.Size))
		}
		return true
	})
}
