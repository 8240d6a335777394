// Package pifsos ties the storage core's independent subsystems
// together for call sites that need to act across all of them at once.
// Each subsystem (cache, swap, vm, mmap, pifs) is usable standalone;
// this file exists only for the cross-cutting operations spec.md
// describes at the level of "the system", not any one module.
package pifsos

import (
	"pifsos/mmap"
	"pifsos/swap"
	"pifsos/vm"
)

/// ThreadExit releases every resource a thread held across the virtual
/// memory manager, the swap area, and the mmap subsystem, grounded on
/// spec.md §6 ("Thread exit calls vm_clean, swap_clean, and mmap_clean")
/// and the original's process.c exit path, which calls the three in
/// that order: VM pages first (so any swap slots they still reference
/// get disposed through vm.Clean's own Dispose calls), then whatever
/// swap slots are left directly owned by the thread, then mmap aliases.
func ThreadExit(thread string, vmMgr *vm.Manager_t, sw *swap.Swap_t, mm *mmap.Manager_t) error {
	vmMgr.Clean(thread)
	sw.Clean(thread)
	return mm.CleanOwner(thread)
}
