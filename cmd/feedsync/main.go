package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/f-sync/feedsync/internal/credential"
)

const (
	commandUse                    = "feedsync"
	commandShortDescription       = "Keep a social feed, notifications and profiles in sync with the server"
	envPrefix                     = "FEEDSYNC"
	flagBaseURLName               = "base-url"
	flagBaseURLDescription        = "Base URL of the REST and streaming API"
	flagTokenName                 = "token"
	flagTokenDescription          = "Bearer token for the API"
	flagTokenFileName             = "token-file"
	flagTokenFileDescription      = "File holding the bearer token; re-read on every refresh"
	flagViewerName                = "viewer"
	flagViewerDescription         = "Username of the signed-in user (defaults to the token subject)"
	flagListenName                = "listen"
	flagListenDescription         = "Address of the control API"
	flagTransportName             = "transport"
	flagTransportDescription      = "Stream transport: sse or websocket"
	flagPageSizeName              = "page-size"
	flagPageSizeDescription       = "Posts requested per feed page"
	flagInitialBackoffName        = "initial-backoff"
	flagInitialBackoffDescription = "First reconnect delay"
	flagMaxBackoffName            = "max-backoff"
	flagMaxBackoffDescription     = "Reconnect delay ceiling"
	flagJitterName                = "jitter"
	flagJitterDescription         = "Randomization factor applied to reconnect delays"
	flagStaleAfterName            = "stale-after"
	flagStaleAfterDescription     = "Consecutive failures after which a stream is reported stale"
	flagEchoGraceName             = "echo-grace"
	flagEchoGraceDescription      = "How long confirmed mutations wait for their stream echo"
	flagConfigName                = "config"
	flagConfigDescription         = "Optional configuration file, watched for credential changes"
	flagDebugName                 = "debug"
	flagDebugDescription          = "Enable development logging"
	defaultListenAddress          = "127.0.0.1:8080"
	defaultPageSize               = 10
	defaultInitialBackoff         = time.Second
	defaultMaxBackoff             = 30 * time.Second
	defaultJitter                 = 0.2
	defaultStaleAfter             = 5
	defaultEchoGrace              = 30 * time.Second
	errMessageLoggerCreate        = "create logger"
	errMessageReadConfig          = "read configuration file"
	logMessageConfigChanged       = "configuration file changed"
	logFieldFile                  = "file"
)

func main() {
	cobra.CheckErr(newFeedSyncCommand().Execute())
}

func newFeedSyncCommand() *cobra.Command {
	command := &cobra.Command{
		Use:          commandUse,
		Short:        commandShortDescription,
		RunE:         runFeedSyncCommand,
		SilenceUsage: true,
	}

	flags := command.Flags()
	flags.String(flagBaseURLName, "", flagBaseURLDescription)
	flags.String(flagTokenName, "", flagTokenDescription)
	flags.String(flagTokenFileName, "", flagTokenFileDescription)
	flags.String(flagViewerName, "", flagViewerDescription)
	flags.String(flagListenName, defaultListenAddress, flagListenDescription)
	flags.String(flagTransportName, transportSSE, flagTransportDescription)
	flags.Int(flagPageSizeName, defaultPageSize, flagPageSizeDescription)
	flags.Duration(flagInitialBackoffName, defaultInitialBackoff, flagInitialBackoffDescription)
	flags.Duration(flagMaxBackoffName, defaultMaxBackoff, flagMaxBackoffDescription)
	flags.Float64(flagJitterName, defaultJitter, flagJitterDescription)
	flags.Int(flagStaleAfterName, defaultStaleAfter, flagStaleAfterDescription)
	flags.Duration(flagEchoGraceName, defaultEchoGrace, flagEchoGraceDescription)
	flags.String(flagConfigName, "", flagConfigDescription)
	flags.Bool(flagDebugName, false, flagDebugDescription)

	for _, flagName := range []string{
		flagBaseURLName, flagTokenName, flagTokenFileName, flagViewerName, flagListenName,
		flagTransportName, flagPageSizeName, flagInitialBackoffName, flagMaxBackoffName,
		flagJitterName, flagStaleAfterName, flagEchoGraceName, flagConfigName, flagDebugName,
	} {
		bindFlagToViper(command, flagName)
	}

	cobra.OnInitialize(configureEnvironment)

	return command
}

func bindFlagToViper(command *cobra.Command, flagName string) {
	cobra.CheckErr(viper.BindPFlag(flagName, command.Flags().Lookup(flagName)))
}

func configureEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runFeedSyncCommand(command *cobra.Command, _ []string) error {
	logger, err := newLogger(viper.GetBool(flagDebugName))
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	rotations := make(chan struct{}, 1)
	if configFile := viper.GetString(flagConfigName); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("%s: %w", errMessageReadConfig, err)
		}
		viper.OnConfigChange(func(event fsnotify.Event) {
			logger.Info(logMessageConfigChanged, zap.String(logFieldFile, event.Name))
			select {
			case rotations <- struct{}{}:
			default:
			}
		})
		viper.WatchConfig()
	}

	ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application := NewApplication(Dependencies{
		Logger:      logger,
		TokenSource: viperTokenSource(),
		Rotations:   rotations,
	})
	return application.Run(ctx, configurationFromViper())
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// viperTokenSource reads the credential settings on every fetch so a rewritten
// configuration file takes effect on the next refresh.
func viperTokenSource() credential.Source {
	return credential.SourceFunc(func(ctx context.Context) (string, error) {
		if tokenFile := viper.GetString(flagTokenFileName); tokenFile != "" {
			return credential.FileSource{Path: tokenFile}.FetchToken(ctx)
		}
		return credential.StaticSource(viper.GetString(flagTokenName)).FetchToken(ctx)
	})
}

func configurationFromViper() Configuration {
	return Configuration{
		BaseURL:        viper.GetString(flagBaseURLName),
		Token:          viper.GetString(flagTokenName),
		TokenFile:      viper.GetString(flagTokenFileName),
		Viewer:         viper.GetString(flagViewerName),
		ListenAddress:  viper.GetString(flagListenName),
		Transport:      viper.GetString(flagTransportName),
		PageSize:       viper.GetInt(flagPageSizeName),
		InitialBackoff: viper.GetDuration(flagInitialBackoffName),
		MaxBackoff:     viper.GetDuration(flagMaxBackoffName),
		Jitter:         viper.GetFloat64(flagJitterName),
		StaleAfter:     viper.GetInt(flagStaleAfterName),
		EchoGrace:      viper.GetDuration(flagEchoGraceName),
	}
}
