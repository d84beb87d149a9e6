//go:build debug_qalloc

package heap

const debugChecksEnabled = true

func debugValidate(m *MState) {
	if err := m.Validate(); err != nil {
		panic(&CorruptionError{err: err})
	}
}

func debugAssert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(corrupt(format, args...))
	}
}
