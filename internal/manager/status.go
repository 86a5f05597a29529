package manager

import (
	"time"

	"batchd/pkg/types"
)

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	rs := m.residency.Snapshot()
	qs := m.scheduler.Stats()
	resp := types.StatusResponse{
		State:               string(m.State()),
		CapacityBytes:       rs.CapacityBytes,
		AllocatedBytes:      rs.AllocatedBytes,
		EvictionsTotal:      rs.EvictionsTotal,
		LoadsTotal:          rs.LoadsTotal,
		Runtime:             m.rt.Name(),
		Upstreams:           m.upstreams.Names(),
		AdmissionPolicy:     m.admissionPolicy,
		AdmissionIdentities: m.limiter.Len(),
		UptimeSeconds:       int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix:      time.Now().Unix(),
		Queue: types.QueueStatus{
			Depth:             qs.Depth,
			MaxDepth:          qs.MaxDepth,
			MaxBatchSize:      qs.MaxBatchSize,
			MaxWaitMS:         qs.MaxWait.Milliseconds(),
			BatchesDispatched: qs.BatchesDispatched,
			Completed:         qs.Completed,
			Failed:            qs.Failed,
			Cancelled:         qs.Cancelled,
			Shed:              qs.Shed,
		},
	}
	resp.Resident = make([]types.ResidentModel, 0, len(rs.Entries))
	for _, e := range rs.Entries {
		var last int64
		if !e.LastAccessed.IsZero() {
			last = e.LastAccessed.Unix()
		}
		resp.Resident = append(resp.Resident, types.ResidentModel{
			ModelID:        e.ID,
			Loaded:         e.Loaded,
			Score:          e.Score,
			LastAccessed:   last,
			FootprintBytes: e.Footprint,
			Pins:           e.Pins,
		})
	}
	circuits := m.invoker.States()
	resp.Circuits = make([]types.CircuitStatus, 0, len(circuits))
	for _, c := range circuits {
		cs := types.CircuitStatus{Target: c.Target, State: c.State.String(), Failures: c.Failures}
		if !c.LastFailure.IsZero() {
			cs.LastFailure = c.LastFailure.Unix()
		}
		resp.Circuits = append(resp.Circuits, cs)
	}
	return resp
}
