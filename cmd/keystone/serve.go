package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cradlegames/keystone/pkg/catalog"
	"github.com/cradlegames/keystone/pkg/config"
	"github.com/cradlegames/keystone/pkg/idsource"
	"github.com/cradlegames/keystone/pkg/keyspace"
	"github.com/cradlegames/keystone/pkg/log"
	"github.com/cradlegames/keystone/pkg/metrics"
	"github.com/cradlegames/keystone/pkg/server"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

// buildCatalog assembles the server's catalog: the built-in elevation
// pair plus whatever an embedding application registers on the builder.
func buildCatalog(cfg *config.Config, backendName string) (*catalog.Catalog, error) {
	backends, err := server.Backends(cfg)
	if err != nil {
		return nil, err
	}
	account, login := server.Elevation(cfg.Server.Namespace, cfg.Server.ElevationSystem, backendName)
	return catalog.NewBuilder().
		Component(account).
		System(login).
		Build(keyspace.NewManager(backends))
}

// defaultBackend picks the backend elevation state lives on: "main" if
// configured, otherwise the only one.
func defaultBackend(cfg *config.Config) (string, error) {
	if _, ok := cfg.Backends["main"]; ok {
		return "main", nil
	}
	if len(cfg.Backends) == 1 {
		for name := range cfg.Backends {
			return name, nil
		}
	}
	return "", fmt.Errorf("multiple backends configured and none named \"main\"")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the database server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		metrics.SetVersion(Version)

		backendName, err := defaultBackend(cfg)
		if err != nil {
			return err
		}
		cat, err := buildCatalog(cfg, backendName)
		if err != nil {
			metrics.RegisterComponent("backend", false, err.Error())
			return err
		}
		metrics.RegisterComponent("backend", true, "connected")

		ctx := context.Background()
		if err := cat.Install(ctx); err != nil {
			metrics.RegisterComponent("catalog", false, err.Error())
			return fmt.Errorf("failed to install catalog: %w", err)
		}
		metrics.RegisterComponent("catalog", true, "installed")

		ids, err := idsource.NewFlake(cfg.Server.MachineID)
		if err != nil {
			return err
		}

		srv := server.New(cfg, cat, ids)
		if err := srv.Start(ctx); err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		return srv.Stop()
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Operate table schemas",
}

var schemaVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Install and verify table descriptors, then exit",
	Long: `Connects to the configured backends, installs every registered
table descriptor, and fails if a stored descriptor conflicts with the
registered definition.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		backendName, err := defaultBackend(cfg)
		if err != nil {
			return err
		}
		cat, err := buildCatalog(cfg, backendName)
		if err != nil {
			return err
		}
		if err := cat.Install(context.Background()); err != nil {
			return fmt.Errorf("schema verification failed: %w", err)
		}
		fmt.Println("schema verified")
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaVerifyCmd)
}
