package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xoelrdgz/rangeban/internal/app"
)

var (
	cfgFile  string
	demoMode bool
	jsonLogs bool

	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "rangeban",
	Short: "Ban scanners at the ingress by source address and owning range",
	Long: `rangeban watches TCP stream logs of an ingress gateway, tracks sources that
open low-payload connections, and bans repeat offenders. When enough
offenders come from one foreign network range the whole range is banned
instead of its individual hosts.

Sources that open a real session are whitelisted permanently and are never
banned, and ranges registered in the home country are never collapsed.

Examples:
  rangeban run --config /etc/rangeban/config.yaml
  rangeban plan --demo
  rangeban once
  rangeban resolve 203.0.113.7 45.10.1.1`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rangeban %s\n", Version)
		fmt.Printf("Commit:  %s\n", Commit)
		fmt.Printf("Built:   %s\n", BuildTime)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./configs/config.yaml)")
	flags.BoolVar(&demoMode, "demo", false, "demo mode: synthetic traffic, static ranges and an in-memory store")
	flags.BoolVar(&jsonLogs, "json-logs", false, "write logs as JSON instead of console format")
	flags.String("source", "", "log source type (file, command, demo)")
	flags.StringP("log", "l", "", "stream log file to follow")
	flags.String("store", "", "ban store type (file, bolt, redis, networkpolicy, memory)")
	flags.String("store-path", "", "ban store path")
	flags.String("home-country", "", "ISO country code whose ranges are never collapsed")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	viper.BindPFlag("source.type", flags.Lookup("source"))
	viper.BindPFlag("source.path", flags.Lookup("log"))
	viper.BindPFlag("store.type", flags.Lookup("store"))
	viper.BindPFlag("store.path", flags.Lookup("store-path"))
	viper.BindPFlag("grouping.home_country", flags.Lookup("home-country"))
	viper.BindPFlag("logging.level", flags.Lookup("log-level"))

	rootCmd.AddCommand(runCmd, onceCmd, planCmd, resolveCmd, versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/rangeban")
	}

	app.SetDefaults(viper.GetViper())

	viper.SetEnvPrefix("RANGEBAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn().Err(err).Msg("Error reading config file")
		}
	}

	if demoMode {
		viper.Set("source.type", "demo")
		if !rootCmd.PersistentFlags().Changed("store") {
			viper.Set("store.type", "memory")
		}
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch viper.GetString("logging.level") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var console io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}
	if jsonLogs {
		console = os.Stderr
	}

	writers := []io.Writer{console}
	if path := viper.GetString("logging.file"); path != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    viper.GetInt("logging.max_size_mb"),
			MaxBackups: viper.GetInt("logging.max_backups"),
			Compress:   true,
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
