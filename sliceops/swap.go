// Package sliceops holds small byte-slice helpers shared across this
// module that don't warrant their own package, the way the teacher's
// sliceops package is reused by both smp and linux/hci/gap.
package sliceops

// SwapBuf returns a reversed copy of in, leaving in untouched.
func SwapBuf(in []byte) []byte {
	a := make([]byte, 0, len(in))
	a = append(a, in...)
	for i := len(a)/2 - 1; i >= 0; i-- {
		opp := len(a) - 1 - i
		a[i], a[opp] = a[opp], a[i]
	}

	return a
}
