package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/lqh2307/tileserver-gl-sub003/internal/catalog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tilegate",
	Short: "A caching tile gateway for MBTiles, XYZ and PostgreSQL tile sets",
	Long: `Tilegate serves map tiles from local caches and keeps those caches
filled from upstream tile origins.

Caches live under $DATA_DIR/caches as MBTiles files, XYZ directory
trees or PostgreSQL schemas. The seed and cleanup commands walk
coverage areas at bounded concurrency; serve answers
/tiles/{id}/{z}/{x}/{y}.{ext} read-through.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Root directory for caches and job configs")
	rootCmd.PersistentFlags().String("postgresql-base-uri", "", "Base connection URI for PostgreSQL tile caches")
	rootCmd.PersistentFlags().Duration("db-timeout", 30*time.Second, "Per-operation budget for busy SQLite databases")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose logging")

	mustBindRoot := func(key string, name string) {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
	mustBindRoot("data-dir", "data-dir")
	mustBindRoot("postgresql-base-uri", "postgresql-base-uri")
	mustBindRoot("db-timeout", "db-timeout")
	mustBindRoot("verbose", "verbose")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("TILEGATE")
	viper.AutomaticEnv()

	// Conventional names used by existing deployments.
	_ = viper.BindEnv("data-dir", "DATA_DIR")
	_ = viper.BindEnv("postgresql-base-uri", "POSTGRESQL_BASE_URI")

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// newCatalog builds the cache catalog from the persistent flags.
func newCatalog() *catalog.Catalog {
	return catalog.New(catalog.Config{
		DataDir:           viper.GetString("data-dir"),
		PostgreSQLBaseURI: viper.GetString("postgresql-base-uri"),
		Timeout:           viper.GetDuration("db-timeout"),
		Logger:            logger,
	})
}
