package vsr

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Handler dispatches decoded envelopes to replica logic. One method per
// wire Kind, mirroring the teacher's PeerHandler interface; the run-loop
// below owns framing and error classification, handlers own protocol
// semantics.
type Handler interface {
	OnPrepare(peer *Peer, p PreparePayload) error
	OnPrepareOk(peer *Peer, p PrepareOkPayload) error
	OnCommit(peer *Peer, p CommitPayload) error
	OnHeartbeat(peer *Peer, p HeartbeatPayload) error
	OnHeartbeatReply(peer *Peer, p HeartbeatReplyPayload) error
	OnStartViewChange(peer *Peer, p StartViewChangePayload) error
	OnDoViewChange(peer *Peer, p DoViewChangePayload) error
	OnStartView(peer *Peer, p StartViewPayload) error
	OnRequest(peer *Peer, p RequestPayload) error
	OnReply(peer *Peer, p ReplyPayload) error
	OnRequestNack(peer *Peer, p RequestNackPayload) error
	OnRepair(peer *Peer, p RepairPayload) error
	OnRepairReply(peer *Peer, p RepairReplyPayload) error
	OnPing(peer *Peer, p PingPayload) error
}

// PeerConfig configures one peer connection's framing and liveness
// behavior, mirroring the teacher's PeerConfig.
type PeerConfig struct {
	Version Version

	// IdleTimeout, if non-zero, sets a read deadline per message so a
	// stalled peer does not block the run-loop forever.
	IdleTimeout time.Duration
}

// Peer wraps one replica-to-replica connection: framing, the remote's
// negotiated version, and a misbehavior score in place of the teacher's
// connection-terminating ban score (§4.6.10: a VSR replica cannot
// unilaterally disconnect a configured peer; it can only flag it).
type Peer struct {
	Conn        net.Conn
	ReplicaID   uint64
	Config      PeerConfig
	PeerVersion Version

	Misbehavior MisbehaviorScore
}

// NewPeer wraps conn for replica replicaID.
func NewPeer(conn net.Conn, replicaID uint64, cfg PeerConfig) (*Peer, error) {
	if conn == nil {
		return nil, fmt.Errorf("vsr: peer: nil conn")
	}
	return &Peer{Conn: conn, ReplicaID: replicaID, Config: cfg}, nil
}

// Send frames and writes one message to the peer.
func (p *Peer) Send(kind Kind, payload any) error {
	return WriteMessage(p.Conn, kind, p.Config.Version, 0, payload)
}

// Run reads and dispatches messages until ctx is canceled or the
// connection fails. A malformed-but-not-disconnect-worthy message is
// dropped and the loop continues; a disconnect-worthy one (bad magic,
// short read, oversized frame) ends the loop, mirroring the teacher's
// Peer.Run classification of ReadError.
func (p *Peer) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("vsr: peer: nil handler")
	}

	if ctx != nil {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = p.Conn.Close()
			case <-done:
			}
		}()
		defer close(done)
	}

	for {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		if p.Config.IdleTimeout > 0 {
			_ = p.Conn.SetReadDeadline(time.Now().Add(p.Config.IdleTimeout))
		}

		env, rerr := ReadMessage(p.Conn)
		if rerr != nil {
			if rerr.Disconnect {
				return rerr
			}
			now := time.Now()
			p.Misbehavior.Add(now, MisbehaviorChecksumMismatch)
			continue
		}

		if err := dispatch(p, h, env); err != nil {
			return fmt.Errorf("vsr: peer %d: dispatch %s: %w", p.ReplicaID, env.Kind, err)
		}
	}
}

func dispatch(p *Peer, h Handler, env *Envelope) error {
	switch env.Kind {
	case KindPrepare:
		var payload PreparePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnPrepare(p, payload)
	case KindPrepareOk:
		var payload PrepareOkPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnPrepareOk(p, payload)
	case KindCommit:
		var payload CommitPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnCommit(p, payload)
	case KindHeartbeat:
		var payload HeartbeatPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnHeartbeat(p, payload)
	case KindHeartbeatReply:
		var payload HeartbeatReplyPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnHeartbeatReply(p, payload)
	case KindStartViewChange:
		var payload StartViewChangePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnStartViewChange(p, payload)
	case KindDoViewChange:
		var payload DoViewChangePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnDoViewChange(p, payload)
	case KindStartView:
		var payload StartViewPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnStartView(p, payload)
	case KindRequest:
		var payload RequestPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnRequest(p, payload)
	case KindReply:
		var payload ReplyPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnReply(p, payload)
	case KindRequestNack:
		var payload RequestNackPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnRequestNack(p, payload)
	case KindRepair:
		var payload RepairPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnRepair(p, payload)
	case KindRepairReply:
		var payload RepairReplyPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnRepairReply(p, payload)
	case KindPing:
		var payload PingPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return err
		}
		return h.OnPing(p, payload)
	default:
		return fmt.Errorf("vsr: unknown message kind %q", env.Kind)
	}
}
