package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/internal/app"
	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/tenant"
)

// opener builds the app the commands operate on.
type opener func(ctx context.Context, v *viper.Viper) (*app.App, error)

func openApp(ctx context.Context, v *viper.Viper) (*app.App, error) {
	cfg := config.Default()
	cfg.Database.URL = v.GetString("database-url")
	cfg.Database.AutoMigrate = false
	cfg.Redis.URL = v.GetString("redis-url")
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required (--database-url or AUTOMATION_DATABASE_URL)")
	}
	return app.Build(ctx, cfg)
}

func newRootCmd(open opener) *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "automationctl",
		Short:         "Operate the event automation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", cfgFile, err)
				}
			}
			if !v.GetBool("verbose") {
				logger.SetLevel(logger.LevelError)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml)")
	flags.String("database-url", "", "Postgres URL")
	flags.String("redis-url", "", "Redis URL for the shared rules cache")
	flags.StringP("output", "o", "table", "output format: table or json")
	flags.BoolP("verbose", "v", false, "log service output")
	for _, name := range []string{"database-url", "redis-url", "output", "verbose"} {
		v.BindPFlag(name, flags.Lookup(name))
	}

	v.SetEnvPrefix("AUTOMATION")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	c := &cli{viper: v, open: open}
	root.AddCommand(
		c.pendingCmd(),
		c.auditsCmd(),
		c.reclaimCmd(),
		c.rulesCmd(),
		c.sweepCmd(),
	)
	return root
}

type cli struct {
	viper *viper.Viper
	open  opener
}

// withApp opens the app for the duration of fn.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := c.open(ctx, c.viper)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (c *cli) jsonOutput() bool {
	return c.viper.GetString("output") == "json"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTenant(raw string) (tenant.ID, error) {
	id, err := tenant.New(raw)
	if err != nil {
		return tenant.ID{}, fmt.Errorf("--tenant: %w", err)
	}
	return id, nil
}
