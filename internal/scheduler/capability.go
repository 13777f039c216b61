package scheduler

// ComputeCapabilityReadiness derives an outcome's capability readiness from its
// task population. Only capability-phase tasks are considered:
//   - none at all, or every one completed/failed: CapabilityComplete
//   - any completed, claimed or running:          CapabilityInProgress
//   - otherwise (all pending):                    CapabilityNotStarted
func ComputeCapabilityReadiness(tasks []*Task) CapabilityReadiness {
	var total, terminal, started int
	for _, task := range tasks {
		if task == nil || task.Phase != PhaseCapability {
			continue
		}
		total++
		switch task.Status {
		case TaskCompleted:
			terminal++
			started++
		case TaskFailed:
			terminal++
		case TaskClaimed, TaskRunning:
			started++
		}
	}

	if total == 0 || terminal == total {
		return CapabilityComplete
	}
	if started > 0 {
		return CapabilityInProgress
	}
	return CapabilityNotStarted
}

// CapabilityCounts summarises the capability phase of an outcome.
type CapabilityCounts struct {
	Total     int
	Pending   int
	Active    int // claimed or running
	Completed int
	Failed    int
	ByType    map[CapabilityType]int
}

// CountCapabilityTasks tallies capability-phase tasks by status and type.
func CountCapabilityTasks(tasks []*Task) CapabilityCounts {
	counts := CapabilityCounts{ByType: make(map[CapabilityType]int)}
	for _, task := range tasks {
		if task == nil || task.Phase != PhaseCapability {
			continue
		}
		counts.Total++
		counts.ByType[task.CapabilityType]++
		switch task.Status {
		case TaskPending:
			counts.Pending++
		case TaskClaimed, TaskRunning:
			counts.Active++
		case TaskCompleted:
			counts.Completed++
		case TaskFailed:
			counts.Failed++
		}
	}
	return counts
}
