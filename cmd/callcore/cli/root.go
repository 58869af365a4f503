// Package cli команды утилиты callcore
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arzzra/callcore/pkg/coordinator"
	"github.com/arzzra/callcore/pkg/logging"
)

const (
	maxOutgoingKey   = "max_outgoing"
	defaultDomainKey = "default_domain"
	historySizeKey   = "history_size"
	logLevelKey      = "log_level"
	logJSONKey       = "log_json"
	metricsAddrKey   = "metrics_addr"
	recordingsDirKey = "recordings_dir"
)

// settings значения после слияния флагов, окружения и файла
type settings struct {
	MaxOutgoing   int
	DefaultDomain string
	HistorySize   int
	LogLevel      logging.LogLevel
	LogJSON       bool
	MetricsAddr   string
	RecordingsDir string
}

type app struct {
	v       *viper.Viper
	cfgFile string
}

// NewRootCommand собирает дерево команд. Каждый вызов получает
// собственный экземпляр viper.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "callcore",
		Short: "Session lifecycle and media state coordinator for a SIP client",
		Long: `callcore drives call sessions through their lifecycle on top of a
signaling engine. The replay command runs YAML call scenarios against an
in-memory loopback engine and checks the resulting session state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}

	defaults := coordinator.DefaultConfig()
	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./.callcore.yaml or $HOME/.callcore.yaml)")
	flags.Int("max-outgoing", defaults.MaxOutgoing, "maximum outgoing sessions in setup at the same time")
	flags.String("default-domain", "", "domain appended to addresses without one")
	flags.Int("history-size", defaults.HistorySize, "state transitions kept per session")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flags.Bool("log-json", false, "log in JSON format")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address (e.g. :9090)")
	flags.String("recordings-dir", "", "directory for call recordings")

	_ = a.v.BindPFlag(maxOutgoingKey, flags.Lookup("max-outgoing"))
	_ = a.v.BindPFlag(defaultDomainKey, flags.Lookup("default-domain"))
	_ = a.v.BindPFlag(historySizeKey, flags.Lookup("history-size"))
	_ = a.v.BindPFlag(logLevelKey, flags.Lookup("log-level"))
	_ = a.v.BindPFlag(logJSONKey, flags.Lookup("log-json"))
	_ = a.v.BindPFlag(metricsAddrKey, flags.Lookup("metrics-addr"))
	_ = a.v.BindPFlag(recordingsDirKey, flags.Lookup("recordings-dir"))

	root.AddCommand(a.replayCommand(), versionCommand())
	return root
}

// initConfig читает файл конфигурации и переменные окружения CALLCORE_*
func (a *app) initConfig() error {
	a.v.SetEnvPrefix("callcore")
	a.v.AutomaticEnv()

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.SetConfigName(".callcore")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(home)
		}
	}

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func (a *app) settings() (settings, error) {
	level, err := logging.ParseLevel(a.v.GetString(logLevelKey))
	if err != nil {
		return settings{}, err
	}
	return settings{
		MaxOutgoing:   a.v.GetInt(maxOutgoingKey),
		DefaultDomain: a.v.GetString(defaultDomainKey),
		HistorySize:   a.v.GetInt(historySizeKey),
		LogLevel:      level,
		LogJSON:       a.v.GetBool(logJSONKey),
		MetricsAddr:   a.v.GetString(metricsAddrKey),
		RecordingsDir: a.v.GetString(recordingsDirKey),
	}, nil
}

func (s settings) logger(out io.Writer) logging.StructuredLogger {
	return logging.New(logging.Options{Output: out, Level: s.LogLevel, JSON: s.LogJSON})
}
