package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/salieri-dev/nexus/nexus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = nexus.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "nexus [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", nexus.DefaultDatabase)
	viper.SetDefault("database_type", nexus.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		nexus.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		nexus.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", nexus.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", nexus.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", nexus.DefaultShutdownTimeout)

	// Rate limiter housekeeping
	viper.SetDefault("rate_limit.retention", nexus.DefaultRateLimitRetention)
	viper.SetDefault(
		"rate_limit.sweep_interval",
		nexus.DefaultRateLimitSweepInterval,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.command_prefix", nexus.DefaultDiscordCommandPrefix)
	viper.SetDefault(
		"discord.log_level",
		nexus.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		nexus.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		nexus.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", nexus.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.cooldown_message", nexus.DefaultCooldownMessage)
	viper.SetDefault("discord.error_message", nexus.DefaultErrorMessage)

	// OpenRouter config
	viper.SetDefault("openrouter.token", "")
	viper.SetDefault("openrouter.base_url", nexus.DefaultOpenRouterBaseURL)
	viper.SetDefault("openrouter.model", nexus.DefaultOpenRouterModel)
	viper.SetDefault(
		"openrouter.max_requests_per_second",
		nexus.DefaultOpenRouterMaxRequestsPerSecond,
	)
	viper.SetDefault(
		"openrouter.log_level",
		nexus.DefaultOpenRouterLogLevel.String(),
	)

	// API config
	viper.SetDefault("api.listen", nexus.DefaultAPIListen)
	viper.SetDefault("api.log_level", nexus.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", nexus.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		nexus.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", nexus.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", nexus.DefaultIdleTimeout)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		nexus.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		nexus.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		nexus.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", nexus.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		nexus.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(nexus.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = nexus.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openrouter.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
