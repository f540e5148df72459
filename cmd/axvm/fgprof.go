package main

import (
	"fmt"
	"os"

	"github.com/felixge/fgprof"
)

// startFgprof wraps fgprof's wall-clock profiler, which samples goroutines
// that are blocked in syscalls (the vCPU run loops spend most of their time
// inside KVM_RUN) rather than only on-CPU time like pprof's CPU profile.
func startFgprof() func() {
	f, err := os.Create("fgprof.pprof")
	if err != nil {
		fmt.Fprintln(os.Stderr, "axvm: fgprof:", err)
		return func() {}
	}

	stop := fgprof.Start(f, fgprof.FormatPprof)

	return func() {
		stop()
		f.Close()
	}
}
