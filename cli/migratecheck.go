package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"krai.services/engine/common"
	"krai.services/engine/config"
	"krai.services/engine/db"
)

func init() {
	RootCmd.AddCommand(migrateCheckCmd)
}

var migrateCheckCmd = &cobra.Command{
	Use:   "migrate-check",
	Short: "verify database connectivity and stage-tracking procedures",
	Long: `Connects to the configured database and probes for the stage-tracking
procedures. Without them the engine still runs, but stage transitions
fall back to direct column updates and progress reads are approximate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runMigrateCheck(cfg.Database)
	},
}

func runMigrateCheck(cfg config.DatabaseConfig) error {
	log := common.ComponentLogger("migrate-check")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	port, err := db.NewPostgres(db.Options{
		URL:             cfg.URL,
		SchemaPrefix:    cfg.SchemaPrefix,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return setupError("failed to connect to the database: %w", err)
	}
	defer port.Close()

	if err := port.Ping(ctx); err != nil {
		return setupError("database unreachable: %w", err)
	}
	log.Info("Database reachable")

	if !port.SupportsRPC(ctx) {
		return businessError("stage-tracking procedures missing, engine would run degraded")
	}
	log.Info("Stage-tracking procedures present")
	return nil
}
