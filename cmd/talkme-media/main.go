package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bohdanbtw/TalkMe-sub001/internal/codec"
	"github.com/bohdanbtw/TalkMe-sub001/internal/config"
	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
	"github.com/bohdanbtw/TalkMe-sub001/internal/transport"
)

var log = logging.L("main")

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:          "talkme-media",
	Short:        "TalkMe screen and audio streaming host",
	Long:         `talkme-media captures the desktop and system audio, encodes them and streams them to a viewer over WebRTC.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the capture pipeline and serve viewers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()
		return runPipeline(cmd.Context(), cfg)
	},
}

var (
	probeWidth  int
	probeHeight int
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report which capture, codec and audio backends are available",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()
		return probe(cmd.OutOrStdout(), cfg, probeWidth, probeHeight)
	},
}

var saveTo string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg.Validate()
		if saveTo != "" {
			if err := config.SaveTo(cfg, saveTo); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved to %s\n", saveTo)
			return nil
		}
		data, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "talkme-media v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is talkme-media.yaml in the platform config directory)")

	probeCmd.Flags().IntVar(&probeWidth, "width", 1280, "encoder test width")
	probeCmd.Flags().IntVar(&probeHeight, "height", 720, "encoder test height")
	configCmd.Flags().StringVar(&saveTo, "save", "", "write the effective configuration to this path instead of printing it")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration and installs the
// configured logger. The returned func closes the log file, if any.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	closeLog := func() {}
	var out io.Writer = os.Stdout
	if cfg.Log.File != "" {
		w, err := logging.NewRotatingWriter(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = logging.TeeWriter(os.Stdout, w)
		closeLog = func() { w.Close() }
	}
	logging.Init(cfg.Log.Format, cfg.Log.Level, out)

	r := cfg.ValidateTiered()
	if r.HasFatals() {
		closeLog()
		return nil, nil, fmt.Errorf("invalid config: %w", r.Fatals[0])
	}
	for _, w := range r.Warnings {
		log.Warn("config validation", logging.Err(w))
	}
	return cfg, closeLog, nil
}

func codecOptions(cfg *config.Config) []codec.Option {
	return []codec.Option{
		codec.WithPreferHardware(cfg.Codec.PreferHardware),
		codec.WithEnumerator(codec.Chain(
			codec.PlatformEnumerator(),
			codec.NewOpenH264Enumerator(cfg.Codec.OpenH264Library),
		)),
	}
}

func iceServers(cfg *config.Config) []transport.ICEServer {
	out := make([]transport.ICEServer, 0, len(cfg.Transport.ICEServers))
	for _, u := range cfg.Transport.ICEServers {
		out = append(out, transport.ICEServer{URLs: []string{u}})
	}
	return out
}
