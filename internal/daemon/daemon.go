// Package daemon wires every subsystem together and owns the process
// lifecycle (spec.md §4.16): environment validation, component
// construction, signal handling, the keep-alive loop, and routing
// inbound device commands to the manager that owns them.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ras-daemon/rasd/internal/clipboard"
	"github.com/ras-daemon/rasd/internal/config"
	"github.com/ras-daemon/rasd/internal/connmgr"
	"github.com/ras-daemon/rasd/internal/devicestore"
	"github.com/ras-daemon/rasd/internal/direct"
	"github.com/ras-daemon/rasd/internal/dispatch"
	"github.com/ras-daemon/rasd/internal/logger"
	"github.com/ras-daemon/rasd/internal/mux"
	"github.com/ras-daemon/rasd/internal/notify"
	"github.com/ras-daemon/rasd/internal/pairing"
	"github.com/ras-daemon/rasd/internal/rerr"
	"github.com/ras-daemon/rasd/internal/rpc"
	"github.com/ras-daemon/rasd/internal/sessionmgr"
	"github.com/ras-daemon/rasd/internal/signaling"
	"github.com/ras-daemon/rasd/internal/terminal"
	"github.com/ras-daemon/rasd/internal/vpnudp"
	"github.com/ras-daemon/rasd/internal/webrtc"
)

// Options bundles everything the caller (cmd/rasd) loads from disk
// before construction: the merged config, the device id this daemon
// presents to newly paired devices, and the directories the
// multiplexer's sessions may run under.
type Options struct {
	Config        *config.Config
	DataDir       string
	DeviceID      string
	Multiplexer   mux.Multiplexer
	SessionsRoot  string
	ControlSocket string // unix socket cmd/ras's pair/unpair/status talk to
}

// Daemon owns every long-lived subsystem and the goroutines that run
// them.
type Daemon struct {
	cfg *config.Config

	devices    *devicestore.Store
	conns      *connmgr.Manager
	router     *router
	dispatcher *dispatch.Dispatcher
	coord      *pairing.Coordinator
	sessions   *sessionmgr.Manager
	terminals  *terminal.Manager
	clipMgr    *clipboard.Manager
	matcher    *notify.Matcher
	notifier   *notify.Dispatcher
	directSrv     *direct.Server
	vpnListen     *vpnudp.Listener
	rpcSrv        *rpc.Server
	controlSocket string
	watcher       *fsnotify.Watcher
	mplex         mux.Multiplexer

	mu            sync.Mutex
	activeSession map[string]string // deviceID -> last-attached session id

	keepAliveStop chan struct{}
	keepAliveDone chan struct{}
}

// router adapts connmgr.Manager's deviceID-keyed Send/Broadcast into
// the (connectionID, eventType, payload) shape terminal.Sink,
// clipboard.Sink, and sessionmgr.Emitter each expect. In this daemon's
// pairing model a device has exactly one live connection at a time, so
// connectionID and deviceID are the same identifier.
type router struct {
	conns *connmgr.Manager
}

func (r *router) send(deviceID, eventType string, payload any) {
	data, err := json.Marshal(struct {
		Event   string `json:"event"`
		Payload any    `json:"payload"`
	}{Event: eventType, Payload: payload})
	if err != nil {
		logger.Error("marshal event", "event_type", eventType, "device_id", deviceID, "err", err)
		return
	}
	if err := r.conns.Send(deviceID, data); err != nil {
		logger.Warn("send event", "event_type", eventType, "device_id", deviceID, "err", err)
	}
}

func (r *router) SendTo(connectionID, eventType string, payload any) {
	r.send(connectionID, eventType, payload)
}

func (r *router) BroadcastTo(connectionIDs []string, eventType string, payload any) {
	for _, id := range connectionIDs {
		r.send(id, eventType, payload)
	}
}

func (r *router) Send(deviceID, eventType string, payload any) {
	r.send(deviceID, eventType, payload)
}

func (r *router) BroadcastAll(eventType string, payload any) {
	data, err := json.Marshal(struct {
		Event   string `json:"event"`
		Payload any    `json:"payload"`
	}{Event: eventType, Payload: payload})
	if err != nil {
		logger.Error("marshal broadcast", "event_type", eventType, "err", err)
		return
	}
	r.conns.Broadcast(data)
}

func (r *router) Emit(event sessionmgr.Event) {
	data, err := json.Marshal(struct {
		Event   string `json:"event"`
		Payload any    `json:"payload"`
	}{Event: "session_" + event.Type, Payload: event})
	if err != nil {
		logger.Error("marshal session event", "err", err)
		return
	}
	r.conns.Broadcast(data)
}

// keySender routes a clipboard paste keystroke to whichever session the
// device last attached to.
type keySender struct {
	d *Daemon
}

func (k *keySender) SendKeys(ctx context.Context, deviceID, keystroke string) error {
	sessionID, ok := k.d.lastAttached(deviceID)
	if !ok {
		return rerr.Codef(rerr.CodeSessionNotFound, "no active session for device %s", deviceID)
	}
	rec, ok := k.d.sessions.Get(sessionID)
	if !ok {
		return rerr.Codef(rerr.CodeSessionNotFound, "session %s not found", sessionID)
	}
	return k.d.mux().SendKeys(ctx, rec.MuxName, []byte(keystroke), false)
}

func (d *Daemon) mux() mux.Multiplexer { return d.mplex }

func (d *Daemon) lastAttached(deviceID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.activeSession[deviceID]
	return id, ok
}

func (d *Daemon) setLastAttached(deviceID, sessionID string) {
	d.mu.Lock()
	d.activeSession[deviceID] = sessionID
	d.mu.Unlock()
}

// New validates the environment and wires every subsystem, but does not
// start any network listeners — call Run for that. The only background
// goroutine it starts is the device-store file watcher (watchConfig).
func New(opts Options) (*Daemon, error) {
	if err := validateEnvironment(opts.Multiplexer); err != nil {
		return nil, err
	}

	devicesPath := filepath.Join(opts.DataDir, "devices.yaml")
	devices, err := devicestore.Open(devicesPath)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	conns := connmgr.New(
		time.Duration(opts.Config.KeepAliveS)*time.Second,
		time.Duration(opts.Config.StaleTimeoutS)*time.Second,
	)
	rt := &router{conns: conns}

	sessCfg := sessionmgr.Config{
		DBPath:      filepath.Join(opts.DataDir, "sessions.db"),
		RootDir:     opts.SessionsRoot,
		AllowedDirs: opts.Config.AllowedDirs,
		DeniedDirs:  opts.Config.DeniedDirs,
		Agents:      map[string]string{"shell": os.Getenv("SHELL")},
		MaxSessions: opts.Config.MaxSessions,
		CreateRate:  opts.Config.SessionRateMin,
	}
	sessions, err := sessionmgr.New(opts.Multiplexer, rt, sessCfg)
	if err != nil {
		return nil, fmt.Errorf("build session manager: %w", err)
	}

	notifyCfg := notify.DefaultConfig()
	notifyCfg.CooldownSeconds = float64(opts.Config.NotifyCooldownS)
	notifier := notify.NewDispatcher(rt, time.Duration(opts.Config.NotifyCooldownS)*time.Second, func(sessionID string) string {
		if rec, ok := sessions.Get(sessionID); ok {
			return rec.DisplayName
		}
		return sessionID
	})
	matcher := notify.New(notifyCfg, func(sessionID string, result notify.MatchResult) {
		notifier.Dispatch(sessionID, result)
	})

	bufferMax := terminal.DefaultMaxBytes
	terminals := terminal.New(opts.Multiplexer, rt, matcher, bufferMax)

	platform, err := clipboard.DetectPlatform()
	if err != nil {
		logger.Warn("detect clipboard platform", "err", err)
	}
	backend, err := clipboard.GetBackend(platform)
	if err != nil {
		logger.Warn("clipboard backend unavailable", "err", err)
	}
	clipCfg := clipboard.DefaultConfig()
	clipCfg.MaxImageSize = int64(opts.Config.ClipboardMaxImageMB) * 1024 * 1024
	clipCfg.TextApprovalThreshold = opts.Config.ClipboardTextApprovalKB * 1024
	d := &Daemon{
		cfg:           opts.Config,
		devices:       devices,
		conns:         conns,
		router:        rt,
		sessions:      sessions,
		terminals:     terminals,
		matcher:       matcher,
		notifier:      notifier,
		mplex:         opts.Multiplexer,
		activeSession: make(map[string]string),
	}
	d.clipMgr = clipboard.New(clipCfg, rt, &keySender{d: d}, nil, platform, backend)

	caps := func() signaling.Capabilities {
		return signaling.Capabilities{SupportsWebRTC: true, SupportsTURN: hasTURN(opts.Config.ICEServers), ProtocolVersion: 1}
	}
	peerCfg := webrtc.Config{STUNServers: stunURLs(opts.Config.ICEServers)}
	coord := pairing.NewCoordinator(devices, caps, peerCfg, opts.DeviceID)
	coord.OnPaired = func(deviceID, deviceName string, peer *webrtc.Peer) {
		d.onNewConnection(deviceID, peer)
	}
	d.coord = coord

	d.directSrv = &direct.Server{Store: devices, Conns: conns, Pairing: coord}

	d.vpnListen = &vpnudp.Listener{
		Store: devices,
		Notify: func(t *vpnudp.Transport) {
			deviceID, ok := vpnAuthenticate(devices, t)
			if !ok {
				_ = t.Close()
				return
			}
			d.onNewConnection(deviceID, t.AsPeer())
		},
	}

	d.dispatcher = dispatch.New(time.Duration(opts.Config.HandlerTimeoutMS)*time.Millisecond, logger.Log)
	d.registerHandlers()

	controlSocket := opts.ControlSocket
	if controlSocket == "" {
		controlSocket = filepath.Join(opts.DataDir, "control.sock")
	}
	d.controlSocket = controlSocket
	d.rpcSrv = rpc.NewServer(controlSocket, devices, conns, sessions, coord, opts.Config)

	if err := d.watchConfig(devicesPath); err != nil {
		logger.Warn("config watcher disabled", "err", err)
	}

	return d, nil
}

// stunURLs flattens the configured ICE servers into the plain STUN URL
// list webrtc.Config expects; TURN credentials aren't modeled by the
// vendored webrtc.Config yet, so only bare server URLs are carried
// through.
func stunURLs(cfg []config.ICEServer) []string {
	var out []string
	for _, s := range cfg {
		out = append(out, s.URLs...)
	}
	return out
}

func hasTURN(cfg []config.ICEServer) bool {
	for _, s := range cfg {
		if s.Username != "" {
			return true
		}
	}
	return false
}

// validateEnvironment checks that the configured multiplexer binary is
// reachable before the daemon does anything else, the same
// fail-fast-on-missing-tmux check the reference daemon performs at
// startup.
func validateEnvironment(m mux.Multiplexer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.Verify(ctx); err != nil {
		return fmt.Errorf("validate environment: %w", err)
	}
	return nil
}

// registerHandlers installs one dispatcher entry per wire variant,
// matching the reference daemon's _register_handlers.
func (d *Daemon) registerHandlers() {
	d.dispatcher.Register("session", d.handleSessionCommand)
	d.dispatcher.Register("terminal", d.handleTerminalCommand)
	d.dispatcher.Register("clipboard", d.handleClipboardMessage)
	d.dispatcher.Register("ping", d.handlePing)
}

// onNewConnection registers a freshly paired or reconnected peer with
// the connection manager and sends the device its initial state
// (spec.md §4.3, §4.16).
func (d *Daemon) onNewConnection(deviceID string, peer connmgr.Peer) {
	_ = d.devices.Touch(deviceID)
	d.conns.AddConnection(deviceID, peer, "json", func(data []byte) {
		d.onMessage(context.Background(), deviceID, data)
	})
	d.sendInitialState(deviceID)
}

func (d *Daemon) sendInitialState(deviceID string) {
	ctx := context.Background()
	list, err := d.sessions.List(ctx)
	if err != nil {
		logger.Error("list sessions for initial state", "err", err)
		return
	}
	agents := d.sessions.GetAgents(ctx)
	d.router.SendTo(deviceID, "initial_state", map[string]any{
		"sessions": list,
		"agents":   agents,
	})
}

// onMessage decodes the top-level envelope and routes to the
// dispatcher, the daemon-level analogue of the reference _on_message.
func (d *Daemon) onMessage(ctx context.Context, deviceID string, data []byte) {
	variant, err := decodeVariant(data)
	if err != nil {
		logger.Warn("decode envelope", "device_id", deviceID, "err", err)
		return
	}
	if err := d.dispatcher.Dispatch(ctx, deviceID, variant, data); err != nil {
		logger.Warn("dispatch failed", "variant", variant, "device_id", deviceID, "err", err)
	}
}

func (d *Daemon) handleSessionCommand(ctx context.Context, deviceID string, payload any) error {
	data := payload.([]byte)
	cmd, err := decodeSessionCommand(data)
	if err != nil {
		return err
	}
	switch cmd.Op {
	case "list":
		list, err := d.sessions.List(ctx)
		if err != nil {
			return err
		}
		d.router.SendTo(deviceID, "session_list", list)
		return nil
	case "create":
		rec, err := d.sessions.Create(ctx, sessionmgr.CreateRequest{
			DeviceID:    deviceID,
			Directory:   cmd.Directory,
			Agent:       cmd.Agent,
			DisplayName: cmd.DisplayName,
		})
		if err != nil {
			return err
		}
		d.router.SendTo(deviceID, "session_created", rec)
		return nil
	case "kill":
		return d.sessions.Kill(ctx, cmd.SessionID)
	case "rename":
		return d.sessions.Rename(ctx, cmd.SessionID, cmd.DisplayName)
	case "get_agents":
		d.router.SendTo(deviceID, "agents", d.sessions.GetAgents(ctx))
		return nil
	case "get_directories":
		children, recent, err := d.sessions.GetDirectories(ctx)
		if err != nil {
			return err
		}
		d.router.SendTo(deviceID, "directories", map[string]any{
			"children": children,
			"recent":   recent,
		})
		return nil
	default:
		return rerr.Codef(rerr.CodeInvalidRequest, "unknown session op %q", cmd.Op)
	}
}

func (d *Daemon) handleTerminalCommand(ctx context.Context, deviceID string, payload any) error {
	data := payload.([]byte)
	cmd, err := decodeTerminalCommand(data)
	if err != nil {
		return err
	}
	switch cmd.Op {
	case "attach":
		rec, ok := d.sessions.Get(cmd.SessionID)
		if !ok {
			return rerr.Codef(rerr.CodeSessionNotFound, "session %s not found", cmd.SessionID)
		}
		if err := d.terminals.Attach(ctx, terminal.AttachRequest{
			SessionID:    cmd.SessionID,
			ConnectionID: deviceID,
			MuxName:      rec.MuxName,
			FromSequence: cmd.FromSequence,
			Size:         cmd.Size,
		}); err != nil {
			return err
		}
		d.setLastAttached(deviceID, cmd.SessionID)
		return nil
	case "detach":
		d.terminals.Detach(cmd.SessionID, deviceID, terminal.ReasonUserRequest)
		return nil
	case "input":
		return d.terminals.Input(ctx, cmd.SessionID, deviceID, toElements(cmd.Elements))
	case "resize":
		if cmd.Size == nil {
			return rerr.New(rerr.CodeInvalidRequest, "resize requires a size")
		}
		return d.terminals.Resize(cmd.SessionID, deviceID, *cmd.Size)
	default:
		return rerr.Codef(rerr.CodeInvalidRequest, "unknown terminal op %q", cmd.Op)
	}
}

func toElements(in []terminalElement) []terminal.Element {
	out := make([]terminal.Element, len(in))
	for i, e := range in {
		out[i] = terminal.Element{Type: terminal.KeyType(e.Type), Modifiers: e.Modifiers, Text: e.Text}
	}
	return out
}

func (d *Daemon) handleClipboardMessage(ctx context.Context, deviceID string, payload any) error {
	data := payload.([]byte)
	msg, err := decodeClipboardMessage(data)
	if err != nil {
		return err
	}
	return d.clipMgr.Handle(ctx, deviceID, msg)
}

func (d *Daemon) handlePing(ctx context.Context, deviceID string, payload any) error {
	data := payload.([]byte)
	cmd, err := decodePingCommand(data)
	if err != nil {
		return err
	}
	d.router.SendTo(deviceID, "pong", map[string]string{"nonce": cmd.Nonce})
	return nil
}

func vpnAuthenticate(store *devicestore.Store, t *vpnudp.Transport) (string, bool) {
	payload, err := t.Receive()
	if err != nil {
		return "", false
	}
	auth, err := vpnudp.ParseAuthPayload(payload)
	if err != nil {
		_ = t.Reply(false)
		return "", false
	}
	dev, ok := vpnudp.Authenticate(store, auth)
	if !ok {
		_ = t.Reply(false)
		return "", false
	}
	_ = t.Reply(true)
	return dev.DeviceID, true
}

// Run starts every network listener and background goroutine and
// blocks until ctx is cancelled or an unrecoverable error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 4)

	go func() {
		logger.Info("pairing signaling endpoint ready")
		<-ctx.Done()
	}()

	go func() {
		logger.Info("control plane listening", "socket", d.controlSocket)
		errCh <- d.rpcSrv.ListenAndServe(ctx)
	}()

	if d.cfg.DirectPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", d.cfg.DirectPort)
			logger.Info("lan-direct listening", "addr", addr)
			errCh <- d.directSrv.Start(addr)
		}()
	}

	if d.cfg.VPNDirectAddr != "" {
		go func() {
			logger.Info("vpn-direct listening", "addr", d.cfg.VPNDirectAddr)
			errCh <- d.vpnListen.Listen(d.cfg.VPNDirectAddr)
		}()
	}

	if err := d.sessions.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize sessions: %w", err)
	}

	d.conns.StartKeepAlive()
	d.startKeepAliveLoop(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			logger.Error("listener error", "err", err)
		}
	case <-ctx.Done():
	}

	d.shutdown()
	return nil
}

// startKeepAliveLoop periodically expires abandoned pairing sessions,
// the Go analogue of the reference _keepalive_loop. Stale connections
// are swept separately by connmgr's own loop (conns.StartKeepAlive).
func (d *Daemon) startKeepAliveLoop(ctx context.Context) {
	d.keepAliveStop = make(chan struct{})
	d.keepAliveDone = make(chan struct{})
	interval := time.Duration(d.cfg.KeepAliveS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		defer close(d.keepAliveDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.coord.ExpireStale(time.Now())
			case <-d.keepAliveStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// shutdown tears down every subsystem in the reference daemon's
// cancel-keepalive -> close-connections -> stop-listeners order.
func (d *Daemon) shutdown() {
	if d.keepAliveStop != nil {
		close(d.keepAliveStop)
		<-d.keepAliveDone
	}
	d.conns.StopKeepAlive()
	d.conns.CloseAll()
	if d.directSrv != nil {
		_ = d.directSrv.Close()
	}
	if d.vpnListen != nil {
		_ = d.vpnListen.Close()
	}
	if d.rpcSrv != nil {
		_ = d.rpcSrv.Close()
	}
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
}

// watchConfig uses fsnotify to reload the device store from disk
// whenever it changes out-of-band, e.g. a separate `ras unpair`
// invocation editing devices.yaml while the daemon keeps running.
func (d *Daemon) watchConfig(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("build config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}
	d.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name == path && (ev.Op&(fsnotify.Write|fsnotify.Create) != 0) {
					logger.Info("device store changed on disk, reloading")
					if err := d.devices.Reload(); err != nil {
						logger.Error("reload device store", "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("config watcher error", "err", err)
			}
		}
	}()
	return nil
}
