//go:build !debug_qalloc

package heap

const debugChecksEnabled = false

func debugValidate(*MState) {}

func debugAssert(bool, string, ...interface{}) {}
