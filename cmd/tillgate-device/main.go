// Package main is the entrypoint for the TillGate device daemon CLI.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tillgate/tillgate/internal/clock"
	"github.com/tillgate/tillgate/internal/config"
	"github.com/tillgate/tillgate/internal/device/connectivity"
	"github.com/tillgate/tillgate/internal/device/localstore"
	"github.com/tillgate/tillgate/internal/device/opqueue"
	"github.com/tillgate/tillgate/internal/device/session"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/tillgate/tillgate/internal/models"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

const (
	requestTimeout = 15 * time.Second
	probeInterval  = 15 * time.Second
	drainInterval  = 1 * time.Minute
	maxAnchorAge   = 72 * time.Hour
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tillgate-device",
		Short: "TillGate point-of-sale device daemon",
		Long: `TillGate Device keeps a point-of-sale terminal usable through
connectivity outages: logins verify against a local credential cache,
operations queue locally and drain to the server on reconnect.

Run 'tillgate-device configure' to point this device at a tenant.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigureCmd(),
		newStatusCmd(),
		newLoginCmd(),
		newSubmitCmd(),
		newSyncCmd(),
		newRunCmd(),
		newImpersonateCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("TillGate Device %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConfigureCmd() *cobra.Command {
	var (
		serverURL string
		tenantID  string
		platform  string
		label     string
		dataDir   string
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Point this device at a TillGate server and tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := url.Parse(serverURL)
			if err != nil {
				return fmt.Errorf("invalid server URL: %w", err)
			}
			if parsed.Scheme != "http" && parsed.Scheme != "https" {
				return fmt.Errorf("server URL must use http or https scheme")
			}
			if _, err := uuid.Parse(tenantID); err != nil {
				return fmt.Errorf("invalid tenant ID: %w", err)
			}

			cfg, err := config.LoadDeviceDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			cfg.ServerURL = strings.TrimSuffix(serverURL, "/")
			cfg.TenantID = tenantID
			if platform != "" {
				cfg.Platform = platform
			} else if cfg.Platform == "" {
				cfg.Platform = runtime.GOOS
			}
			if label != "" {
				cfg.Label = label
			} else if cfg.Label == "" {
				hostname, err := os.Hostname()
				if err == nil {
					cfg.Label = hostname
				}
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}

			if err := cfg.SaveDefault(); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			configPath, _ := config.DefaultConfigPath()
			fmt.Printf("Configuration saved to %s\n", configPath)
			fmt.Printf("Server: %s\n", cfg.ServerURL)
			fmt.Printf("Tenant: %s\n", cfg.TenantID)
			fmt.Println("Run 'tillgate-device status' to verify the connection.")
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "TillGate server URL (required)")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant ID this device belongs to (required)")
	cmd.Flags().StringVar(&platform, "platform", "", "Platform label reported to the server")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable device label")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Local database directory")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

// deps bundles everything a logged-in device command needs.
type deps struct {
	cfg        *config.DeviceConfig
	store      *localstore.Store
	client     *identity.Client
	observer   *connectivity.Observer
	clock      *clock.Clock
	reconciler *session.Reconciler
	queue      *opqueue.Queue
	logger     zerolog.Logger
	tenantID   uuid.UUID
	deviceID   string
}

func openDeps(ctx context.Context) (*deps, func(), error) {
	cfg, err := config.LoadDeviceDefault()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("device not configured: %w", err)
	}
	tenantID, err := uuid.Parse(cfg.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid tenant ID in config: %w", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	dataDir := cfg.DataDir
	if dataDir == "" {
		dir, err := config.DefaultConfigDir()
		if err != nil {
			return nil, nil, err
		}
		dataDir = dir
	}

	store, err := localstore.New(dataDir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open local store: %w", err)
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("close local store failed")
		}
	}

	deviceID, err := store.DeviceID(ctx)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("load device ID: %w", err)
	}

	client := identity.NewClient(cfg.ServerURL, requestTimeout, logger)
	observer := connectivity.NewObserver(client, probeInterval, logger)

	clk := clock.New(maxAnchorAge, logger)
	if anchor, err := store.GetClockAnchor(ctx); err != nil {
		logger.Warn().Err(err).Msg("restore clock anchor failed")
	} else if anchor != nil {
		clk.Restore(anchor.Offset, anchor.AnchoredAt)
	}

	reconciler := session.NewReconciler(store, client, observer, session.Config{
		TenantID: tenantID,
		DeviceID: deviceID,
		Platform: cfg.Platform,
		Label:    cfg.Label,
	}, logger)

	queue := opqueue.New(store, client, opqueue.DefaultConfig(), logger)

	return &deps{
		cfg:        cfg,
		store:      store,
		client:     client,
		observer:   observer,
		clock:      clk,
		reconciler: reconciler,
		queue:      queue,
		logger:     logger,
		tenantID:   tenantID,
		deviceID:   deviceID,
	}, cleanup, nil
}

// syncClock anchors the offline clock against the server and persists the
// new anchor.
func (d *deps) syncClock(ctx context.Context) {
	if err := d.clock.Sync(ctx, d.client); err != nil {
		d.logger.Warn().Err(err).Msg("clock sync failed")
		return
	}
	offset, anchoredAt := d.clock.Snapshot()
	if err := d.store.SetClockAnchor(ctx, &localstore.ClockAnchor{
		Offset:     offset,
		AnchoredAt: anchoredAt,
	}); err != nil {
		d.logger.Warn().Err(err).Msg("persist clock anchor failed")
	}
}

// drain flushes the local operation queue through the current session.
func (d *deps) drain(ctx context.Context) {
	current := d.reconciler.Current()
	if current == nil || current.Tokens == nil {
		return
	}

	result, err := d.queue.Drain(ctx, current.Tokens.AccessToken, current.TenantID, current.AccountID)
	if err != nil {
		d.logger.Warn().Err(err).Msg("queue drain failed")
		return
	}
	if result.Delivered > 0 || result.Duplicates > 0 || len(result.Rejected) > 0 {
		d.logger.Info().
			Int("delivered", result.Delivered).
			Int("duplicates", result.Duplicates).
			Int("rejected", len(result.Rejected)).
			Msg("queue drained")
	}
	for _, rej := range result.Rejected {
		fmt.Printf("Operation %s rejected: %v\n", rej.OperationID, rej.Err)
	}
	if result.Stopped != nil {
		d.logger.Warn().Err(result.Stopped).Msg("drain stopped early, remaining operations kept")
	}
}

func promptCredentials(username string) (string, string, error) {
	reader := bufio.NewReader(os.Stdin)

	if username == "" {
		fmt.Print("Username: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", "", fmt.Errorf("read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if username == "" {
		return "", "", fmt.Errorf("username cannot be empty")
	}

	fmt.Print("Password: ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", "", fmt.Errorf("password cannot be empty")
	}

	return username, password, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show device status, queue depth and server connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDeviceDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.IsConfigured() {
				fmt.Println("Status: Not configured")
				fmt.Println("Run 'tillgate-device configure' to point this device at a tenant.")
				return nil
			}

			ctx := cmd.Context()
			d, cleanup, err := openDeps(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			fmt.Printf("Server:    %s\n", d.cfg.ServerURL)
			fmt.Printf("Tenant:    %s\n", d.cfg.TenantID)
			fmt.Printf("Device ID: %s\n", d.deviceID)

			marker, err := d.store.GetLicenseMarker(ctx)
			if err != nil {
				return fmt.Errorf("read license marker: %w", err)
			}
			if marker != nil && marker.TenantID == d.tenantID {
				fmt.Printf("Licensed:  yes (since %s)\n", marker.MarkedAt.Format(time.RFC3339))
			} else {
				fmt.Println("Licensed:  no (log in online once to activate)")
			}

			depth, err := d.queue.Depth(ctx)
			if err != nil {
				return fmt.Errorf("read queue depth: %w", err)
			}
			fmt.Printf("Queued:    %d operation(s)\n", depth)
			if oldest, err := d.store.OldestQueuedAt(ctx); err == nil && oldest != nil {
				fmt.Printf("Oldest:    %s\n", oldest.Format(time.RFC3339))
			}

			if d.clock.Trusted() {
				fmt.Printf("Clock:     trusted (%s)\n", d.clock.Now().Format(time.RFC3339))
			} else {
				fmt.Println("Clock:     untrusted (no recent server anchor)")
			}

			fmt.Print("Checking server connection... ")
			if d.observer.Check(ctx) {
				fmt.Println("OK")
				fmt.Println("Connection: Online")
			} else {
				fmt.Println("FAILED")
				fmt.Println("Connection: Offline")
			}
			return nil
		},
	}
}

func newLoginCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Verify a login against the cache and the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, cleanup, err := openDeps(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			d.observer.Check(ctx)

			user, password, err := promptCredentials(username)
			if err != nil {
				return err
			}

			sess, err := d.reconciler.Login(ctx, user, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			fmt.Printf("Login OK: %s (%s)\n", sess.Username, sess.Role)
			fmt.Printf("State:    %s\n", sess.State)
			if sess.AccessState != "" {
				fmt.Printf("Access:   %s\n", sess.AccessState)
			}
			if sess.Tokens == nil {
				fmt.Println("Note: offline login; the server has not confirmed this session.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username (prompted if omitted)")
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var (
		kind    string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Capture an operation into the local queue",
		Long: `Capture an operation into the local queue. The operation is
attributed to the last account that logged in on this device and drains
to the server on the next sync.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opKind := models.OperationKind(kind)
			if !opKind.Valid() {
				return fmt.Errorf("unknown operation kind %q", kind)
			}
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload must be valid JSON")
			}

			ctx := cmd.Context()
			d, cleanup, err := openDeps(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			username, err := d.store.GetLastUsername(ctx)
			if err != nil || username == "" {
				return fmt.Errorf("no prior login on this device; run 'tillgate-device login' first")
			}
			cred, err := d.store.GetCredential(ctx, d.tenantID, username)
			if err != nil {
				return fmt.Errorf("load cached account: %w", err)
			}

			op := &models.Operation{
				ID:        uuid.New(),
				TenantID:  d.tenantID,
				AccountID: cred.AccountID,
				Kind:      opKind,
				Payload:   json.RawMessage(payload),
				CreatedAt: d.clock.Now(),
			}
			dropped, err := d.queue.Enqueue(ctx, op)
			if err != nil {
				return fmt.Errorf("enqueue operation: %w", err)
			}
			if dropped > 0 {
				fmt.Printf("Warning: queue full, %d oldest operation(s) dropped\n", dropped)
			}

			depth, _ := d.queue.Depth(ctx)
			fmt.Printf("Operation %s queued (%d pending)\n", op.ID, depth)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "sale", "Operation kind (sale, feedback, booking)")
	cmd.Flags().StringVar(&payload, "payload", "", "Operation payload as JSON (required)")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}

func newSyncCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Log in, anchor the clock and drain the operation queue once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, cleanup, err := openDeps(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if !d.observer.Check(ctx) {
				return fmt.Errorf("server unreachable; nothing to sync")
			}
			d.syncClock(ctx)

			user, password, err := promptCredentials(username)
			if err != nil {
				return err
			}
			sess, err := d.reconciler.Login(ctx, user, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			if sess.Tokens == nil {
				return fmt.Errorf("server did not confirm the session; queue kept")
			}

			d.drain(ctx)
			depth, _ := d.queue.Depth(ctx)
			fmt.Printf("Sync complete (%d operation(s) still queued)\n", depth)

			return d.reconciler.Logout(ctx)
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username (prompted if omitted)")
	return cmd
}

func newRunCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device daemon until interrupted",
		Long: `Run the device daemon: log in, watch connectivity and drain the
operation queue whenever the server is reachable. The session survives
connectivity loss; queued operations deliver on reconnect.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			d, cleanup, err := openDeps(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			d.observer.Check(ctx)

			user, password, err := promptCredentials(username)
			if err != nil {
				return err
			}
			sess, err := d.reconciler.Login(ctx, user, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			fmt.Printf("Session established: %s (%s, %s)\n", sess.Username, sess.Role, sess.State)

			// Reconnects anchor the clock and flush the queue.
			d.observer.Subscribe(func(online bool) {
				if !online {
					d.logger.Warn().Msg("server unreachable, capturing locally")
					return
				}
				d.logger.Info().Msg("server reachable again")
				d.syncClock(ctx)
				d.drain(ctx)
			})
			d.observer.Start(ctx)
			defer d.observer.Stop()

			if d.observer.Online() {
				d.syncClock(ctx)
				d.drain(ctx)
			}

			ticker := time.NewTicker(drainInterval)
			defer ticker.Stop()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			for {
				select {
				case <-ticker.C:
					if d.observer.Online() {
						d.drain(ctx)
					}
				case sig := <-sigChan:
					fmt.Printf("\nReceived %s, shutting down\n", sig)
					return d.reconciler.Logout(ctx)
				case <-ctx.Done():
					return d.reconciler.Logout(context.Background())
				}
			}
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username (prompted if omitted)")
	return cmd
}

func newImpersonateCmd() *cobra.Command {
	var (
		username string
		tenant   string
		role     string
		reason   string
	)

	cmd := &cobra.Command{
		Use:   "impersonate",
		Short: "Assume a tenant session for support work",
		Long: `Assume a tenant-scoped session as a platform operator. The
impersonated session lasts until you press Enter, then the operator
session is restored. Every impersonation is audited server-side.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			targetTenant, err := uuid.Parse(tenant)
			if err != nil {
				return fmt.Errorf("invalid tenant ID: %w", err)
			}
			targetRole := models.Role(role)

			ctx := cmd.Context()
			d, cleanup, err := openDeps(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if !d.observer.Check(ctx) {
				return fmt.Errorf("impersonation requires a server connection")
			}

			user, password, err := promptCredentials(username)
			if err != nil {
				return err
			}
			if _, err := d.reconciler.Login(ctx, user, password); err != nil {
				return fmt.Errorf("operator login failed: %w", err)
			}

			sess, err := d.reconciler.StartImpersonation(ctx, targetTenant, targetRole, reason)
			if err != nil {
				return fmt.Errorf("start impersonation: %w", err)
			}
			fmt.Printf("Impersonating tenant %s as %s\n", sess.TenantID, sess.Role)
			fmt.Println("Press Enter to end the impersonation...")
			_, _ = bufio.NewReader(os.Stdin).ReadString('\n')

			restored, err := d.reconciler.EndImpersonation(ctx)
			if err != nil {
				return fmt.Errorf("end impersonation: %w", err)
			}
			fmt.Printf("Operator session restored: %s\n", restored.Username)
			return d.reconciler.Logout(ctx)
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Operator username (prompted if omitted)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Target tenant ID (required)")
	cmd.Flags().StringVar(&role, "role", string(models.RoleTenantAdmin), "Role to assume in the target tenant")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit trail (required)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}
