package bootstrap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// raiseScheduler implements §4.J step 6: the executive runs at the
// realtime round-robin band, max priority, with its working set locked
// resident so a page fault can never stall the single reactor thread
// mid-tick. Both calls require CAP_SYS_NICE / CAP_IPC_LOCK; running
// unprivileged is a configuration error for this daemon, not something to
// silently degrade from.
func raiseScheduler() error {
	maxPrio, err := unix.SchedGetPriorityMax(unix.SCHED_RR)
	if err != nil {
		return fmt.Errorf("scheduler: sched_get_priority_max: %w", err)
	}
	if err := unix.SchedSetscheduler(0, unix.SCHED_RR, &unix.SchedParam{Priority: int32(maxPrio)}); err != nil {
		return fmt.Errorf("scheduler: sched_setscheduler(SCHED_RR, %d): %w", maxPrio, err)
	}
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("scheduler: mlockall: %w", err)
	}
	return nil
}
