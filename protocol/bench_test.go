package protocol

import "testing"

func BenchmarkAppendFrame(b *testing.B) {
	payload := make([]byte, 640)
	key := NewMaskKey()
	var dst []byte
	b.SetBytes(int64(len(payload)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		dst = AppendFrame(dst[:0], OpcodeBinary, payload, key)
	}
}
