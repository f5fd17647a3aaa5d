package dummynet

import (
	"errors"
	"fmt"
	"strings"

	"grimm.is/dummynet/internal/logging"
	"grimm.is/dummynet/ledger"
	"grimm.is/dummynet/scoped"
	"grimm.is/dummynet/shell"
)

const (
	// cgroupRoot is the cgroup v2 unified hierarchy mount point.
	cgroupRoot = "/sys/fs/cgroup"

	// cpuPeriodUsec is the scheduling period written to cpu.max.
	cpuPeriodUsec = 100000
)

// CGroupLimits caps the resources of a process group.
type CGroupLimits struct {
	// CPUMax limits CPU time as a fraction of one core; 0.5 is half a core,
	// 2.0 is two cores. Zero leaves the CPU unlimited.
	CPUMax float64

	// MemoryHigh is the memory throttle threshold in bytes. Zero leaves
	// memory unlimited.
	MemoryHigh int64
}

// CGroup is a cgroup v2 group created under the unified hierarchy. Processes
// added to it share the configured limits. The group is ledgered: cleanup
// moves any remaining processes back to the root group and removes it.
type CGroup struct {
	name scoped.Name
	path string
	sh   shell.Shell
	log  *logging.Logger
}

// CGroupAdd creates a cgroup with the given limits. Requires the cpu and
// memory controllers to be available on the unified hierarchy; anything
// still on cgroup v1 is rejected.
func (d *DummyNet) CGroupAdd(name string, limits CGroupLimits) (*CGroup, error) {
	sn, err := scoped.CGroup(name, d.uid)
	if err != nil {
		return nil, err
	}
	if limits.CPUMax < 0 {
		return nil, fmt.Errorf("cgroup %s: negative cpu limit %v", sn, limits.CPUMax)
	}
	if limits.MemoryHigh < 0 {
		return nil, fmt.Errorf("cgroup %s: negative memory limit %v", sn, limits.MemoryHigh)
	}

	cg := &CGroup{
		name: sn,
		path: cgroupRoot + "/" + sn.String(),
		sh:   d.sh,
		log:  d.log.WithFields(map[string]any{"cgroup": sn.String()}),
	}

	if err := cg.checkControllers(limits); err != nil {
		return nil, err
	}
	cg.removeStale()
	if err := cg.create(); err != nil {
		return nil, err
	}

	// Recorded before the limits are written: if a limit write fails the
	// directory already exists and must be unwound by Cleanup.
	d.led.Record(ledger.Resource{
		Kind:   ledger.KindCGroup,
		Name:   sn.String(),
		Detail: fmt.Sprintf("cpu=%v mem=%d", limits.CPUMax, limits.MemoryHigh),
		Undo:   cg.remove,
		Exists: cg.exists,
	})

	if err := cg.applyLimits(limits); err != nil {
		return nil, err
	}
	d.log.Info("created cgroup", "name", sn.String(),
		"cpu_max", limits.CPUMax, "memory_high", limits.MemoryHigh)
	return cg, nil
}

// Name returns the logical group name.
func (c *CGroup) Name() string { return c.name.Logical }

// Path returns the absolute path of the group directory.
func (c *CGroup) Path() string { return c.path }

func (c *CGroup) checkControllers(limits CGroupLimits) error {
	info, err := c.sh.RunArgs([]string{"cat", cgroupRoot + "/cgroup.controllers"})
	if err != nil {
		return fmt.Errorf("cgroup v2 unified hierarchy not available at %s: %w", cgroupRoot, err)
	}
	avail := info.Stdout()
	if limits.CPUMax > 0 && !strings.Contains(avail, "cpu") {
		return fmt.Errorf("cpu controller not available (have: %s)", strings.TrimSpace(avail))
	}
	if limits.MemoryHigh > 0 && !strings.Contains(avail, "memory") {
		return fmt.Errorf("memory controller not available (have: %s)", strings.TrimSpace(avail))
	}
	return nil
}

// removeStale best-effort deletes a leftover group with the same name, e.g.
// from an earlier run of the same pid that never cleaned up.
func (c *CGroup) removeStale() {
	ok, err := c.exists()
	if err != nil || !ok {
		return
	}
	c.log.Warn("removing leftover cgroup from a previous run")
	if err := c.remove(); err != nil {
		c.log.Warn("failed to remove leftover cgroup", "error", err)
	}
}

func (c *CGroup) create() error {
	if _, err := c.sh.Run(fmt.Sprintf(
		"echo '+cpu +memory' > %s/cgroup.subtree_control", cgroupRoot)); err != nil {
		return fmt.Errorf("failed to delegate controllers: %w", err)
	}
	if _, err := c.sh.RunArgs([]string{"mkdir", c.path}); err != nil {
		return fmt.Errorf("failed to create cgroup %s: %w", c.path, err)
	}
	return nil
}

func (c *CGroup) applyLimits(limits CGroupLimits) error {
	if limits.CPUMax > 0 {
		quota := int(limits.CPUMax * cpuPeriodUsec)
		if _, err := c.sh.Run(fmt.Sprintf(
			"echo '%d %d' > %s/cpu.max", quota, cpuPeriodUsec, c.path)); err != nil {
			return fmt.Errorf("failed to set cpu.max: %w", err)
		}
	}
	if limits.MemoryHigh > 0 {
		if _, err := c.sh.Run(fmt.Sprintf(
			"echo %d > %s/memory.high", limits.MemoryHigh, c.path)); err != nil {
			return fmt.Errorf("failed to set memory.high: %w", err)
		}
	}
	return nil
}

// AddPid places a process into the group. Every thread of the process moves
// with it.
func (c *CGroup) AddPid(pid int) error {
	if _, err := c.sh.Run(fmt.Sprintf("echo %d > %s/cgroup.procs", pid, c.path)); err != nil {
		return fmt.Errorf("failed to add pid %d to cgroup %s: %w", pid, c.name, err)
	}
	c.log.Debug("added pid", "pid", pid)
	return nil
}

// Pids returns the pids currently in the group.
func (c *CGroup) Pids() ([]int, error) {
	info, err := c.sh.RunArgs([]string{"cat", c.path + "/cgroup.procs"})
	if err != nil {
		return nil, fmt.Errorf("failed to read cgroup %s: %w", c.name, err)
	}
	var pids []int
	for _, line := range strings.Fields(info.Stdout()) {
		var pid int
		if _, err := fmt.Sscanf(line, "%d", &pid); err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// remove evicts remaining processes to the root group and deletes the
// directory. rmdir only succeeds on an empty group.
func (c *CGroup) remove() error {
	if _, err := c.sh.Run(fmt.Sprintf(
		"while read pid; do echo $pid > %s/cgroup.procs; done < %s/cgroup.procs",
		cgroupRoot, c.path)); err != nil {
		c.log.Warn("failed to evict cgroup processes", "error", err)
	}
	if _, err := c.sh.RunArgs([]string{"rmdir", c.path}); err != nil {
		return fmt.Errorf("failed to remove cgroup %s: %w", c.name, err)
	}
	c.log.Info("removed cgroup")
	return nil
}

func (c *CGroup) exists() (bool, error) {
	_, err := c.sh.RunArgs([]string{"test", "-d", c.path})
	if err == nil {
		return true, nil
	}
	var runErr *shell.RunError
	if errors.As(err, &runErr) {
		return false, nil
	}
	return false, err
}
