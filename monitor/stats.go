package monitor

import (
	"github.com/shirou/gopsutil/v3/process"
)

// sample records one incremental cpu/mem observation for a live process.
// Sampling a process that died between the liveness check and here is not an
// error; the final sample in finalize covers it.
func (m *Monitor) sample(p *Process) {
	proc, err := process.NewProcess(int32(p.info.Pid))
	if err != nil {
		return
	}
	times, err := proc.Times()
	if err != nil {
		return
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return
	}

	s := StatSample{
		When:         m.clk.Now(),
		CPUUserDelta: times.User - p.lastUser,
		CPUSysDelta:  times.System - p.lastSys,
		MemRSS:       mem.RSS,
		MemVMS:       mem.VMS,
	}
	p.lastUser = times.User
	p.lastSys = times.System
	p.sampled = true

	p.info.cpuUser = times.User
	p.info.cpuSys = times.System
	p.info.memRSS = mem.RSS
	p.info.memVMS = mem.VMS
	p.info.samples = append(p.info.samples, s)
}

// finalSample seals the usage record after exit. The process is gone, so the
// last observed memory values are carried over with zero CPU deltas.
func (m *Monitor) finalSample(p *Process) {
	p.info.samples = append(p.info.samples, StatSample{
		When:   m.clk.Now(),
		MemRSS: p.info.memRSS,
		MemVMS: p.info.memVMS,
	})
}
