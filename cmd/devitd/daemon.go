package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devit-sh/devitd/internal/apierrors"
	"github.com/devit-sh/devitd/internal/bus"
	"github.com/devit-sh/devitd/internal/config"
	"github.com/devit-sh/devitd/internal/facade"
	"github.com/devit-sh/devitd/internal/journal"
	"github.com/devit-sh/devitd/internal/orchestration"
	"github.com/devit-sh/devitd/internal/patch"
	"github.com/devit-sh/devitd/internal/policy"
	"github.com/devit-sh/devitd/internal/reaper"
	"github.com/devit-sh/devitd/internal/registry"
	"github.com/devit-sh/devitd/internal/snapshot"
	"github.com/devit-sh/devitd/internal/telemetry"
)

// daemon owns every long-lived component devitd wires together.
type daemon struct {
	cfg config.Config
	log telemetry.Logger

	journal       *journal.Journal
	registry      *registry.Registry
	snapshots     *snapshot.Store
	policy        *policy.Engine
	patch         *patch.Engine
	orchestration *orchestration.Core
	facade        *facade.Facade
	reaper        *reaper.Reaper
	server        *bus.Server
	listener      bus.Listener

	bindFailed bool
	cancel     context.CancelFunc
}

// newDaemon constructs every component from cfg but does not start the bus
// accept loop or the reaper; call ListenAndServe to do that.
func newDaemon(cfg config.Config) (*daemon, error) {
	log := telemetry.NewClueLogger()

	j, err := journal.Open(cfg.JournalPath, []byte(cfg.JournalSecret))
	if err != nil {
		return nil, fmt.Errorf("devitd: open journal: %w", err)
	}

	reg := registry.New(cfg.RegistryDir, log)

	snaps := snapshot.New(cfg.Workdir, cfg.SnapshotRetention, log)

	polCfg := policy.DefaultConfig()
	polCfg.ProtectedPaths = cfg.ProtectedPaths
	polCfg.WorkingRoot = cfg.ProjectRoot
	pol := policy.New(polCfg)

	pat := patch.New(cfg.Workdir, pol, snaps)

	orchCfg := orchestration.DefaultConfig()
	orchCfg.CompletedTaskTTL = cfg.DefaultTaskTTL
	orchCfg.CleanupInterval = cfg.CleanupInterval
	orchCfg.ApprovalTimeout = cfg.ApprovalTimeout

	var listener bus.Listener
	if cfg.TCPAddr != "" {
		listener, err = bus.ListenLoopbackTCP(cfg.TCPAddr)
	} else {
		listener, err = bus.ListenUnix(cfg.DaemonSocket)
	}
	if err != nil {
		return nil, fmt.Errorf("devitd: bind ipc listener: %w", err)
	}

	auth := bus.NewAuthenticator([]byte(cfg.BusSecret), bus.DefaultSkew, bus.NewReplayGuard(0, 0))

	d := &daemon{
		cfg:       cfg,
		log:       log,
		journal:   j,
		registry:  reg,
		snapshots: snaps,
		policy:    pol,
		patch:     pat,
		listener:  listener,
	}

	dispatcher := &busDispatcher{}
	orch := orchestration.New(orchCfg, dispatcher, j, log)
	d.orchestration = orch
	dispatcher.server = func() *bus.Server { return d.server }

	d.facade = facade.New(pol, pat, snaps, orch, j, log)

	schemaReg, err := bus.NewSchemaRegistry(bus.DefaultSchemas())
	if err != nil {
		return nil, fmt.Errorf("devitd: compile bus schemas: %w", err)
	}

	handler := &daemonHandler{daemon: d}
	d.server = bus.NewServer(listener, auth, handler, log, 0, 0, schemaReg)
	d.reaper = reaper.New(reg, reaper.DefaultInterval, log)

	return d, nil
}

// ListenAndServe blocks, running the bus accept loop and the reaper until
// ctx is cancelled or the bus listener fails.
func (d *daemon) ListenAndServe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	go d.reaper.Run(ctx)

	if err := d.server.Serve(ctx); err != nil {
		d.bindFailed = true
		return err
	}
	return nil
}

// Close releases every resource newDaemon acquired.
func (d *daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.orchestration != nil {
		d.orchestration.Stop()
	}
	if d.listener != nil {
		d.listener.Close()
	}
	if d.journal != nil {
		d.journal.Close()
	}
}

// busDispatcher adapts bus.Server's wire-level Send/Connected to the
// orchestration.Dispatcher interface, so the orchestration core never needs
// to know about frame signing or transport. Server.Send signs every frame
// itself, so Dispatch only needs to shape the envelope. The server field is
// resolved lazily via an indirection function since the Server and the Core
// are constructed in sequence from the same newDaemon call, each needing to
// reference the other.
type busDispatcher struct {
	server func() *bus.Server
}

func (b *busDispatcher) Dispatch(identity, msgType string, payload any) error {
	server := b.server()
	if server == nil {
		return apierrors.New(apierrors.CodeInternal, "bus server not yet initialised")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeIO, err)
	}
	frame := bus.Frame{
		MsgType: bus.MsgType(msgType),
		MsgID:   uuid.NewString(),
		From:    "orchestrator",
		To:      identity,
		TS:      time.Now().Unix(),
		Nonce:   uuid.NewString(),
		Payload: raw,
	}
	return server.Send(identity, frame)
}

func (b *busDispatcher) Connected(identity string) bool {
	server := b.server()
	if server == nil {
		return false
	}
	return server.Connected(identity)
}

func (b *busDispatcher) DispatchRole(role, msgType string, payload any) error {
	server := b.server()
	if server == nil {
		return apierrors.New(apierrors.CodeInternal, "bus server not yet initialised")
	}
	identity, ok := server.PickForRole(role)
	if !ok {
		return apierrors.New(apierrors.CodeIO, "no connected identity to receive "+msgType)
	}
	return b.Dispatch(identity, msgType, payload)
}

// daemonHandler implements bus.Handler, translating inbound frames into
// orchestration/approval operations.
type daemonHandler struct {
	daemon *daemon
}

func (h *daemonHandler) Handle(ctx context.Context, f bus.Frame) (*bus.Frame, error) {
	switch f.MsgType {
	case bus.MsgNotify:
		var req orchestration.NotifyRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			return nil, apierrors.Wrap(apierrors.CodeIO, err)
		}
		return nil, h.daemon.orchestration.Notify(req)
	case bus.MsgApprovalDecision:
		var dec orchestration.ApprovalDecision
		if err := json.Unmarshal(f.Payload, &dec); err != nil {
			return nil, apierrors.Wrap(apierrors.CodeIO, err)
		}
		h.daemon.orchestration.ResolveApproval(dec)
		return nil, nil
	case bus.MsgStatusRequest:
		var filter orchestration.StatusFilter
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &filter); err != nil {
				return nil, apierrors.Wrap(apierrors.CodeIO, err)
			}
		}
		snap := h.daemon.orchestration.Status(filter)
		raw, err := json.Marshal(snap)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.CodeIO, err)
		}
		return &bus.Frame{
			MsgType: bus.MsgStatusResponse,
			MsgID:   uuid.NewString(),
			From:    "orchestrator",
			To:      f.From,
			TS:      time.Now().Unix(),
			Nonce:   uuid.NewString(),
			Payload: raw,
		}, nil
	case bus.MsgHeartbeat, bus.MsgHello, bus.MsgBye, bus.MsgAck:
		return nil, nil
	default:
		return nil, nil
	}
}

func verifyJournalChain(path string, key []byte) (bool, error) {
	return journal.Verify(path, key)
}
