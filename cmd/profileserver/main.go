// Command profileserver runs the peer-to-peer identity profile server.
package main

// main.go – the process entrypoint: a cobra root command with a "serve"
// subcommand that wires every component NewServer doesn't construct itself
// and starts the four listening roles plus the background workers, and a
// "config check" subcommand that loads and validates a config file without
// starting anything.

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iop-labs/profileserver/core"
	"github.com/iop-labs/profileserver/pkg/config"
	"github.com/iop-labs/profileserver/pkg/utils"
)

const (
	workerShutdownGrace = 30 * time.Second
	imageCacheEntries   = 4096
	// cancellationRetention is how long a cancelled hosting's row survives
	// before the expire-cancelled-hostings job deletes it, giving
	// followers time to observe the RemoveProfile action before the source
	// row disappears.
	cancellationRetention = 24 * time.Hour
)

func main() {
	rootCmd := &cobra.Command{Use: "profileserver"}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config"}
	check := &cobra.Command{
		Use:   "check [path]",
		Short: "load and validate a config file without starting the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", *cfg)
			return nil
		},
	}
	cmd.AddCommand(check)
	return cmd
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the profile server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(utils.EnvOrDefault("PROFILESERVER_LOG_LEVEL", "info")); err == nil {
		logger.SetLevel(lvl)
	}

	store := core.NewStore()
	identity, err := loadOrCreateIdentity(store)
	if err != nil {
		return fmt.Errorf("server identity: %w", err)
	}

	images, err := core.NewImageStore(cfg.ImageDataFolder, cfg.TempDataFolder, imageCacheEntries, logger)
	if err != nil {
		return fmt.Errorf("image store: %w", err)
	}

	server := core.NewServer(identity, store, images, logger, cfg.MaxHostedIdentities, cancellationRetention)
	server.OwnPrimaryPort = cfg.PrimaryInterfacePort
	server.OwnNonCustomerPort = cfg.ClientNonCustomerInterfacePort
	server.OwnCustomerPort = cfg.ClientCustomerInterfacePort
	server.OwnSrNeighborPort = cfg.SrNeighborInterfacePort
	server.OwnLocation = ownLocationFromEnv()

	server.Neighborhood = core.NewNeighborhoodWorker(server)

	var can core.CANClient
	if cfg.CANEndpoint != "" {
		can = core.NewCANGatewayClient(cfg.CANEndpoint)
	}
	server.Maintenance = core.NewMaintenance(server, can, 0)

	roleServer, err := core.NewRoleServer(cfg.TLSServerCertificate, cfg.TLSServerCertificate, logger)
	if err != nil {
		return fmt.Errorf("role server: %w", err)
	}

	bindHost := cfg.ServerInterface
	if bindHost == "any" {
		bindHost = ""
	}
	specs := []core.RoleListenSpec{
		{Role: core.RolePrimary, Address: fmt.Sprintf("%s:%d", bindHost, cfg.PrimaryInterfacePort)},
		{Role: core.RoleNonCustomerClient, Address: fmt.Sprintf("%s:%d", bindHost, cfg.ClientNonCustomerInterfacePort)},
		{Role: core.RoleCustomerClient, Address: fmt.Sprintf("%s:%d", bindHost, cfg.ClientCustomerInterfacePort)},
		{Role: core.RoleSrNeighbor, Address: fmt.Sprintf("%s:%d", bindHost, cfg.SrNeighborInterfacePort)},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := roleServer.ListenAndServe(ctx, specs, server.HandleConnection); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go server.Neighborhood.Run(ctx)
	go server.Maintenance.Run(ctx)
	if cfg.LocationServiceEndpoint != "" {
		server.Location = core.NewLocationAdapter(server, cfg.LocationServiceEndpoint)
		go server.Location.Run(ctx)
	}

	logger.WithField("identity", core.HexID(identity.ID)).Info("profile server started")
	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	_ = roleServer.Shutdown(workerShutdownGrace)
	server.Neighborhood.Stop()
	server.Maintenance.Stop()
	if server.Location != nil {
		server.Location.Stop()
	}
	return nil
}

// ownLocationFromEnv reads the server's advertised GPS coordinates. The
// location service needs them at registration but they have no natural home
// in the file config, which only describes local resources.
func ownLocationFromEnv() core.Location {
	lat, err := strconv.ParseFloat(utils.EnvOrDefault("PROFILESERVER_GPS_LATITUDE", "0"), 64)
	if err != nil {
		lat = 0
	}
	lon, err := strconv.ParseFloat(utils.EnvOrDefault("PROFILESERVER_GPS_LONGITUDE", "0"), 64)
	if err != nil {
		lon = 0
	}
	return core.Location{Latitude: lat, Longitude: lon}
}

// loadOrCreateIdentity reads this server's Ed25519 keypair from the settings
// singleton, generating and persisting a fresh one on first run.
func loadOrCreateIdentity(store *core.Store) (core.ServerIdentity, error) {
	if privRaw, ok := store.GetSetting(core.SettingServerPrivateKey); ok {
		pubRaw, _ := store.GetSetting(core.SettingServerPublicKey)
		id, err := core.DeriveIdentityID(pubRaw)
		if err != nil {
			return core.ServerIdentity{}, err
		}
		return core.ServerIdentity{PublicKey: pubRaw, PrivateKey: privRaw, ID: id}, nil
	}

	pub, priv, err := core.GenerateKeypair()
	if err != nil {
		return core.ServerIdentity{}, err
	}
	id, err := core.DeriveIdentityID(pub)
	if err != nil {
		return core.ServerIdentity{}, err
	}
	if err := store.SetSetting(core.SettingServerPrivateKey, priv); err != nil {
		return core.ServerIdentity{}, err
	}
	if err := store.SetSetting(core.SettingServerPublicKey, pub); err != nil {
		return core.ServerIdentity{}, err
	}
	return core.ServerIdentity{PublicKey: pub, PrivateKey: priv, ID: id}, nil
}
