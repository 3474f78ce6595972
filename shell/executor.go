package shell

import (
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"

	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/ledger"
	"kimberlite.dev/core/vsr"
)

// vsrKindFromString maps the string kind a kernel.SendMessage effect
// carries back onto the wire-framing vsr.Kind, keeping the kernel free
// of a vsr import (it would otherwise create an import cycle, since
// vsr itself imports kernel for command/effect types).
func vsrKindFromString(s string) vsr.Kind {
	return vsr.Kind(s)
}

// executeEffects runs the declarative effects produced by
// kernel.ApplyCommitted against this replica's local log and peer set,
// in order, per spec.md §6.3: "all effects from one apply_committed
// call execute in order before the shell accepts the next event."
func (n *Node) executeEffects(effects []kernel.Effect) error {
	var errs error
	for _, effect := range effects {
		if err := n.executeEffect(effect); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (n *Node) executeEffect(effect kernel.Effect) error {
	switch e := effect.(type) {
	case kernel.AppendToLog:
		_, _, _, err := n.Log.Append(ledger.RecordKind(e.Kind), e.TenantID, e.StreamID, e.Timestamp, e.Payload)
		if err != nil {
			return fmt.Errorf("shell: append effect: %w", err)
		}
		return nil

	case kernel.UpdateIndex:
		// The log's own sparse index is maintained internally by
		// Append; a committed offset advance needs no separate write
		// here. Only the commit_number gauge is refreshed.
		n.Metrics.CommitNumber.Set(float64(n.Replica.CommitNumber))
		return nil

	case kernel.CreateCheckpointEffect:
		upToOp := uint64(0)
		if n.Log.NextOpNumber() > 0 {
			upToOp = n.Log.NextOpNumber() - 1
		}
		_, _, _, err := n.Log.CreateCheckpoint(e.TenantID, upToOp, [32]byte{}, n.checkpointKey, e.Timestamp)
		if err != nil {
			return fmt.Errorf("shell: checkpoint effect: %w", err)
		}
		return nil

	case kernel.SendMessage:
		peer, ok := n.Peers[e.ToReplicaID]
		if !ok {
			n.Logger.Warn("send effect targets unknown peer", replicaField(e.ToReplicaID)...)
			return nil
		}
		return peer.Send(vsrKindFromString(e.Kind), json.RawMessage(e.Payload))

	case kernel.ExecuteScrubAction:
		if n.Tour != nil {
			n.Tour.ClearFlag(uint64(e.FromOffset))
		}
		return nil

	case kernel.WriteSuperblock:
		sb, err := n.Log.Superblock().Load()
		if err != nil {
			return fmt.Errorf("shell: load superblock for effect: %w", err)
		}
		sb.ClusterConfigHash = e.ClusterConfigHash
		sb.CommitOp = n.Replica.CommitNumber
		sb.View = n.Replica.View
		if err := n.Log.Superblock().Store(sb); err != nil {
			return fmt.Errorf("shell: store superblock effect: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("shell: unknown effect type %T", effect)
	}
}
