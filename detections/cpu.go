package detections

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HostFeatures reports the SIMD extensions ONNX Runtime can use on this host.
func HostFeatures() map[string]bool {
	f := map[string]bool{}
	switch runtime.GOARCH {
	case "amd64", "386":
		f["sse4.1"] = cpu.X86.HasSSE41
		f["avx"] = cpu.X86.HasAVX
		f["avx2"] = cpu.X86.HasAVX2
		f["fma"] = cpu.X86.HasFMA
		f["avx512f"] = cpu.X86.HasAVX512F
	case "arm64":
		f["asimd"] = cpu.ARM64.HasASIMD
		f["fphp"] = cpu.ARM64.HasFPHP
		f["asimddp"] = cpu.ARM64.HasASIMDDP
	}
	return f
}
