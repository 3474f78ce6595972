package vsr

import (
	"fmt"
	"time"

	"kimberlite.dev/core/kernel"
)

// Reconfigure drives spec.md §4.6.5 step 1: the primary validates and
// proposes a target config change. It is rejected outright if a
// reconfiguration is already in flight (kernel.ErrCodeReconfigInFlight)
// — only one may be in flight at a time. Internally this is just
// another Prepare, carrying no originating client (ClientID 0 is
// never minted by session.RegisterClient, which starts counting at 1).
func (r *Replica) Reconfigure(cmd kernel.ReconfigCommand, wallClock, nowMonotonic time.Time) (*PreparePayload, error) {
	return r.PrepareCommand(0, 0, kernel.Reconfigure{Command: cmd, JoinedAtOp: r.OpNumber + 1}, wallClock, nowMonotonic)
}

// CommitReconfigure drives spec.md §4.6.5 step 3: once the joint_op
// prepared by Reconfigure has committed, the primary issues a second
// Prepare carrying the ReconfigMarker that moves the cluster from
// Joint to Stable(new).
func (r *Replica) CommitReconfigure(wallClock, nowMonotonic time.Time) (*PreparePayload, error) {
	if r.State.Config.Phase != kernel.ReconfigJoint {
		return nil, fmt.Errorf("vsr: CommitReconfigure called with no reconfiguration in flight")
	}
	return r.PrepareCommand(0, 0, kernel.CommitReconfigure{}, wallClock, nowMonotonic)
}

// RegisterStandbyReplica proposes adding replicaID to the standby set.
// Promotion to active membership is a separate Reconfigure call once
// the standby is PromotionEligible, per spec.md §4.6.9.
func (r *Replica) RegisterStandbyReplica(replicaID uint64, wallClock, nowMonotonic time.Time) (*PreparePayload, error) {
	return r.PrepareCommand(0, 0, kernel.RegisterStandby{ReplicaID: replicaID}, wallClock, nowMonotonic)
}
